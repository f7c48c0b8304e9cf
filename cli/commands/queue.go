package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/AshkanYarmoradi/go-rpkica/cli/styles"
	"github.com/AshkanYarmoradi/go-rpkica/cli/ui"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

// NewQueueCommand creates the queue command
func NewQueueCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and deliver queued side effects",
		Long: `Inspect and deliver the side effects queued by committed commands:
certificate delivery to children, resyncs after delegation changes and the
configured event routes.`,
	}
	cmd.AddCommand(
		newQueueDrainCommand(flags),
		newQueueRunCommand(flags),
		newQueueDeadCommand(flags),
		newQueueRetryCommand(flags),
	)
	return cmd
}

func newQueueDrainCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Deliver everything that is pending and exit",
		Args:  cobra.NoArgs,
		RunE: withApp(flags, func(ctx context.Context, a *app, _ []string) error {
			n, err := a.srv.DrainQueue(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out(), styles.FormatSuccess(fmt.Sprintf("Delivered %d message(s)", n)))
			return nil
		}),
	}
}

func newQueueRunCommand(flags *globalFlags) *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the queue processor until interrupted",
		Args:  cobra.NoArgs,
		RunE: withApp(flags, func(ctx context.Context, a *app, _ []string) error {
			ctx, cancel := context.WithCancel(ctx)
			defer cancel()

			if metricsAddr != "" {
				stop, err := serveMetrics(a, metricsAddr)
				if err != nil {
					return err
				}
				defer stop()
			}

			if err := a.srv.Start(ctx); err != nil {
				return err
			}
			defer func() {
				stopCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
				defer done()
				if err := a.srv.Stop(stopCtx); err != nil {
					a.logger.Warn("Stopping queue processor failed", "error", err)
				}
			}()

			status := "polling every " + a.cfg.Queue.PollInterval.String()
			if metricsAddr != "" {
				status += ", metrics on " + metricsAddr
			}
			model := ui.NewSpinner("Delivering side effects")
			p := tea.NewProgram(model, tea.WithContext(ctx), tea.WithOutput(a.out()))
			go p.Send(ui.SpinnerStatusMsg(status))
			if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
				return err
			}
			return nil
		}),
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")
	return cmd
}

// serveMetrics exposes the app's collectors on addr until stop is called.
func serveMetrics(a *app, addr string) (stop func(), err error) {
	registry := prometheus.NewRegistry()
	if err := a.metrics.Register(registry); err != nil {
		return nil, err
	}
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("Metrics server failed", "addr", addr, "error", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

func newQueueDeadCommand(flags *globalFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "dead",
		Short: "List dead-lettered messages",
		Args:  cobra.NoArgs,
		RunE: withApp(flags, func(ctx context.Context, a *app, _ []string) error {
			msgs, err := a.queue.GetDeadLetterMessages(ctx, limit)
			if err != nil {
				return err
			}
			out := a.out()
			if len(msgs) == 0 {
				fmt.Fprintln(out, styles.FormatSuccess("No dead letters"))
				return nil
			}
			table := ui.NewTable("ID", "Aggregate", "Event", "Destination", "Attempts", "Last error")
			for _, m := range msgs {
				table.AddRow(m.ID, fmt.Sprintf("%s/%s@%d", m.Namespace, m.Handle, m.Version),
					m.EventType, m.Destination, fmt.Sprint(m.Attempts), m.LastError)
			}
			fmt.Fprintln(out, table.Render())
			return nil
		}),
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "Show at most this many messages")
	return cmd
}

func newQueueRetryCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "retry",
		Short: "Reschedule failed messages that have attempts left and deliver them",
		Args:  cobra.NoArgs,
		RunE: withApp(flags, func(ctx context.Context, a *app, _ []string) error {
			retried, err := a.queue.RetryFailed(ctx, a.cfg.Queue.MaxRetries)
			if err != nil {
				return err
			}
			n, err := a.srv.DrainQueue(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out(), styles.FormatSuccess(fmt.Sprintf("Rescheduled %d, delivered %d message(s)", retried, n)))
			return nil
		}),
	}
}
