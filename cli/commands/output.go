package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/AshkanYarmoradi/go-rpkica"
	"github.com/AshkanYarmoradi/go-rpkica/ca"
	"github.com/AshkanYarmoradi/go-rpkica/cli/styles"
	"github.com/AshkanYarmoradi/go-rpkica/resources"
	"github.com/spf13/cobra"
)

// resourceFlags are the --asn/--ipv4/--ipv6 flags of delegation commands.
type resourceFlags struct {
	asn, v4, v6 string
}

func (f *resourceFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.asn, "asn", "", "AS numbers, e.g. AS1-AS100, AS65000")
	cmd.Flags().StringVar(&f.v4, "ipv4", "", "IPv4 prefixes or ranges, e.g. 10.0.0.0/8")
	cmd.Flags().StringVar(&f.v6, "ipv6", "", "IPv6 prefixes or ranges, e.g. 2001:db8::/32")
}

func (f *resourceFlags) set() (resources.ResourceSet, error) {
	return resources.FromStrs(f.asn, f.v4, f.v6)
}

func parseHandles(args []string) ([]rpkica.Handle, error) {
	out := make([]rpkica.Handle, len(args))
	for i, a := range args {
		h, err := rpkica.ParseHandle(a)
		if err != nil {
			return nil, err
		}
		out[i] = h
	}
	return out, nil
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func printKV(w io.Writer, key, value string) {
	fmt.Fprintln(w, styles.FormatKeyValue(key, value))
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// certStatus names the state of a CA's own certificate.
func certStatus(c *ca.CertAuth, now time.Time) string {
	cert, ok := c.Certificate()
	switch {
	case c.Parent() == "":
		return "detached"
	case !ok:
		return "uncertified"
	case !cert.ValidAt(now):
		return "expired"
	default:
		return "certified"
	}
}

func printCertificate(w io.Writer, cert ca.IssuedCertificate) {
	printKV(w, "Serial", fmt.Sprint(cert.Serial))
	printKV(w, "Issuer", fmt.Sprintf("%s (%s)", cert.Issuer, cert.IssuerKey.Short()))
	printKV(w, "Resources", cert.Resources.String())
	printKV(w, "Valid", cert.NotBefore.UTC().Format(time.RFC3339)+" to "+cert.NotAfter.UTC().Format(time.RFC3339))
}
