// Package rpkica provides the event-sourcing core of an RPKI certificate
// authority engine.
//
// Every CA is an aggregate whose state is derived from an append-only log of
// events. Commands are checked against the current state, turned into events,
// and appended atomically together with a record of the command itself:
//
//	store := rpkica.NewAggregateStore[*ca.TrustAnchor, ca.TrustAnchorInitDetails, ca.TrustAnchorCommand, ca.TrustAnchorEvent](
//		memory.NewAdapter(), ca.TrustAnchorNamespace, ca.InitTrustAnchor)
//
//	ta, err := store.Add(ctx, ca.WithAllResources("ta", key), rpkica.Metadata{})
//	events, err := store.Command(ctx, rpkica.NewSentCommand[ca.TrustAnchorCommand]("ta", rpkica.AnyVersion, cmd))
//
// Storage backends live in the adapters sub-packages.
package rpkica

// Version is the library version.
const Version = "0.3.0"

// BuildStreamID returns the adapter stream identifier for a handle within a
// namespace.
func BuildStreamID(namespace string, handle Handle) string {
	return namespace + "-" + string(handle)
}
