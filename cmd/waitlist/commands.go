package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/gosight/gosight/waitlist/internal/app"
	"github.com/gosight/gosight/waitlist/internal/funnel"
	"github.com/gosight/gosight/waitlist/internal/location"
	"github.com/gosight/gosight/waitlist/internal/signup"
)

const (
	defaultSiteURL = "https://waitlist.local/"
	closeTimeout   = 10 * time.Second
)

// withVisitor opens the visitor profile at rawURL, runs fn and closes the
// visitor, which flushes anything fn tracked.
func withVisitor(cmd *cobra.Command, flags *globalFlags, rawURL string, fn func(ctx context.Context, v *app.Visitor) error) error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}
	loc, err := location.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", rawURL, err)
	}

	v, err := app.Open(cfg, loc)
	if err != nil {
		return err
	}

	runErr := fn(cmd.Context(), v)

	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := v.Close(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}
	return runErr
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func visitCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "visit [url]",
		Short: "Load a page as the visitor, capturing any referral code and UTM tags",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVisitor(cmd, flags, args[0], func(ctx context.Context, v *app.Visitor) error {
				return printJSON(v.Load())
			})
		},
	}
}

func joinCmd(flags *globalFlags) *cobra.Command {
	var (
		email string
		name  string
		url   string
	)
	cmd := &cobra.Command{
		Use:   "join",
		Short: "Join the waitlist, attributing any active referral",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVisitor(cmd, flags, url, func(ctx context.Context, v *app.Visitor) error {
				v.Load()
				res, err := v.Signup.Join(ctx, signup.Request{Email: email, Name: name})
				if err != nil {
					return err
				}
				return printResult(res)
			})
		},
	}

	cmd.Flags().StringVarP(&email, "email", "e", "", "Email address")
	cmd.Flags().StringVarP(&name, "name", "n", "", "Display name")
	cmd.Flags().StringVar(&url, "url", defaultSiteURL, "Page the signup happens on")
	cmd.MarkFlagRequired("email")

	return cmd
}

func authCmd(flags *globalFlags) *cobra.Command {
	var (
		email    string
		password string
	)
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Sign up or sign in after the waitlist reported an existing account",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVisitor(cmd, flags, defaultSiteURL, func(ctx context.Context, v *app.Visitor) error {
				res, err := v.Signup.Authenticate(ctx, email, password)
				if err != nil {
					return err
				}
				return printResult(res)
			})
		},
	}

	cmd.Flags().StringVarP(&email, "email", "e", "", "Email address")
	cmd.Flags().StringVar(&password, "password", os.Getenv("WAITLIST_PASSWORD"), "Password (defaults to $WAITLIST_PASSWORD)")
	cmd.MarkFlagRequired("email")

	return cmd
}

type resultView struct {
	State         string `json:"state"`
	ReferralCode  string `json:"referralCode,omitempty"`
	Position      int    `json:"position,omitempty"`
	TotalWaitlist int    `json:"totalWaitlist,omitempty"`
	MyCode        string `json:"myReferralCode,omitempty"`
	LocalFallback bool   `json:"localFallback,omitempty"`
	Error         string `json:"error,omitempty"`
}

func printResult(res signup.Result) error {
	view := resultView{
		State:         res.State.String(),
		ReferralCode:  res.ReferralCode,
		LocalFallback: res.LocalFallback,
	}
	if res.Response != nil {
		view.Position = res.Response.Position
		view.TotalWaitlist = res.Response.TotalWaitlist
		view.MyCode = res.Response.ReferralCode
	}
	if res.Err != nil {
		view.Error = res.Err.Error()
	}
	return printJSON(view)
}

func statusCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the visitor's referral status and identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVisitor(cmd, flags, defaultSiteURL, func(ctx context.Context, v *app.Visitor) error {
				st := v.Resolver.Evaluate()
				out := map[string]any{
					"referral":    st,
					"anonymousId": v.Session.AnonymousID(),
					"userId":      v.Session.UserID(),
					"utm":         v.Session.UTM(),
				}
				if p := v.Store.Get(); p != nil {
					out["pending"] = p
					out["expired"] = v.Store.Expired(*p)
				}
				if ls := v.Signup.PendingLocalSignup(); ls != nil {
					out["localSignup"] = ls
				}
				return printJSON(out)
			})
		},
	}
}

func statsCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stats [code]",
		Short: "Fetch referral stats for a code from the backend",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVisitor(cmd, flags, defaultSiteURL, func(ctx context.Context, v *app.Visitor) error {
				stats, err := v.Client.ReferralStats(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(stats)
			})
		},
	}
}

func clearCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Clear stored attribution data for the profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVisitor(cmd, flags, defaultSiteURL, func(ctx context.Context, v *app.Visitor) error {
				v.ClearAll()
				fmt.Println("Attribution data cleared")
				return nil
			})
		},
	}
}

func trackCmd(flags *globalFlags) *cobra.Command {
	var (
		meta map[string]string
		url  string
	)
	cmd := &cobra.Command{
		Use:   "track [event-type]",
		Short: "Record a funnel event such as cta_click or referral_link_copied",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVisitor(cmd, flags, url, func(ctx context.Context, v *app.Visitor) error {
				v.Resolver.Evaluate()
				metadata := make(map[string]any, len(meta))
				for k, val := range meta {
					metadata[k] = val
				}
				return printJSON(v.Tracker.Track(funnel.EventType(args[0]), metadata))
			})
		},
	}

	cmd.Flags().StringToStringVarP(&meta, "meta", "m", nil, "Event metadata as key=value")
	cmd.Flags().StringVar(&url, "url", defaultSiteURL, "Page the event happens on")

	return cmd
}
