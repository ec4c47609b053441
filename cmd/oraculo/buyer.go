package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"oraculo/internal/checkout"
	"oraculo/internal/client"
	"oraculo/internal/observer"
	"oraculo/internal/order"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

type buyerFlags struct {
	api   string
	token string
}

func (f *buyerFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.api, "api", envOr("ORACULO_API_URL", "http://localhost:8080"), "API base URL")
	cmd.Flags().StringVar(&f.token, "token", os.Getenv("ORACULO_TOKEN"), "bearer token of the buyer")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func stderrLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func watchCmd() *cobra.Command {
	var flags buyerFlags
	var poll bool
	cmd := &cobra.Command{
		Use:   "watch <order-id>",
		Short: "Print status changes of an order until it is paid",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orderID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid order id: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			c := client.New(flags.api, flags.token)
			obs := observer.New(c, c, stderrLogger())
			out := cmd.OutOrStdout()
			for s := range obs.Watch(ctx, orderID, observer.Options{Poll: poll}) {
				fmt.Fprintf(out, "%s  %s\n", time.Now().Format("15:04:05"), s)
			}
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&poll, "poll", false, "also re-read the order every 5 seconds")
	return cmd
}

func checkoutCmd() *cobra.Command {
	var flags buyerFlags
	cmd := &cobra.Command{
		Use:   "checkout <order-id>",
		Short: "Pay an order with PIX and wait for the confirmation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orderID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid order id: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger := stderrLogger()
			c := client.New(flags.api, flags.token)
			orch := checkout.New(c, observer.New(c, c, logger), logger)
			out := cmd.OutOrStdout()

			res, err := orch.PayWithPix(ctx, orderID)
			if err != nil {
				return err
			}
			printResult(out, res)

			if res.Path == checkout.PathAutomatic && res.Payment.ExpiresAt != nil {
				go func() {
					for left := range observer.Ticker(ctx, *res.Payment.ExpiresAt, time.Now) {
						fmt.Fprintf(out, "\rexpira em %s ", left)
					}
				}()
			}

			err = orch.AwaitPaid(ctx, orderID, res.Path, func(s order.Status) {
				fmt.Fprintf(out, "\nstatus: %s\n", s)
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(out, "pagamento confirmado")
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func printResult(out io.Writer, res *checkout.Result) {
	switch res.Path {
	case checkout.PathAutomatic:
		p := res.Payment
		fmt.Fprintf(out, "PIX automático (%s)\n", p.Provider)
		fmt.Fprintf(out, "copia e cola: %s\n", p.PixCopyPaste)
		if p.QRCodeURL != "" {
			fmt.Fprintf(out, "QR code: %s\n", p.QRCodeURL)
		}
	case checkout.PathManual:
		m := res.Manual
		fmt.Fprintln(out, res.Notice)
		fmt.Fprintf(out, "chave PIX: %s\nvalor: R$ %s\ncopia e cola: %s\nQR code: %s\n", m.PixKey, m.Amount, m.PixCopyPaste, m.QRCodeURL)
	}
}
