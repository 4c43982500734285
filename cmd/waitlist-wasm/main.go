//go:build js && wasm

package main

import (
	"context"
	"os"
	"syscall/js"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gosight/gosight/waitlist/internal/api"
	"github.com/gosight/gosight/waitlist/internal/app"
	"github.com/gosight/gosight/waitlist/internal/browser"
	"github.com/gosight/gosight/waitlist/internal/config"
	"github.com/gosight/gosight/waitlist/internal/funnel"
	"github.com/gosight/gosight/waitlist/internal/referral"
	"github.com/gosight/gosight/waitlist/internal/signup"
)

type pageConfig struct {
	BaseURL       string `json:"baseUrl"`
	QueryParam    string `json:"queryParam"`
	FlushInterval int    `json:"flushIntervalMs"`
	LogLevel      string `json:"logLevel"`
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true})

	cfg := loadConfig()

	client := api.NewClient(cfg.Backend.BaseURL, cfg.Backend.Timeout,
		api.WithBreaker(cfg.Backend.Breaker.MaxFailures, cfg.Backend.Breaker.OpenFor))

	v := app.New(app.Deps{
		Config: cfg,
		Stores: &app.Stores{
			Persistent: browser.LocalStorage(),
			Scoped:     browser.SessionStorage(),
		},
		Location: browser.Location{},
		Backend:  client,
		Beacon:   browser.NewBeacon(cfg.Backend.BaseURL),
		Identity: client,
	})

	browser.OnHidden(func() { v.Tracker.FlushBeacon() })

	exports(v)
	v.Load()

	log.Info().Str("anonymous_id", v.Session.AnonymousID()).Msg("Waitlist attribution ready")
	select {}
}

// loadConfig starts from defaults and applies window.waitlistConfig.
func loadConfig() *config.Config {
	cfg := config.Default()
	cfg.Backend.BaseURL = js.Global().Get("location").Get("origin").String()

	var pc pageConfig
	if err := browser.FromJS(js.Global().Get("waitlistConfig"), &pc); err != nil {
		log.Warn().Err(err).Msg("Ignoring malformed waitlistConfig")
	}
	if pc.BaseURL != "" {
		cfg.Backend.BaseURL = pc.BaseURL
	}
	if pc.QueryParam != "" {
		cfg.Referral.QueryParam = pc.QueryParam
	}
	if pc.FlushInterval > 0 {
		cfg.Tracker.FlushInterval = time.Duration(pc.FlushInterval) * time.Millisecond
	}
	if level, err := zerolog.ParseLevel(pc.LogLevel); err == nil && pc.LogLevel != "" {
		zerolog.SetGlobalLevel(level)
	}
	return cfg
}

func exports(v *app.Visitor) {
	global := js.Global()

	// waitlistJoin(email, name) -> Promise<result>
	global.Set("waitlistJoin", js.FuncOf(func(this js.Value, args []js.Value) interface{} {
		email, name := argString(args, 0), argString(args, 1)
		return browser.Promise(func() (interface{}, error) {
			res, err := v.Signup.Join(context.Background(), signup.Request{Email: email, Name: name})
			if err != nil {
				return nil, err
			}
			return resultView(res), nil
		})
	}))

	// waitlistAuthenticate(email, password) -> Promise<result>
	global.Set("waitlistAuthenticate", js.FuncOf(func(this js.Value, args []js.Value) interface{} {
		email, password := argString(args, 0), argString(args, 1)
		return browser.Promise(func() (interface{}, error) {
			res, err := v.Signup.Authenticate(context.Background(), email, password)
			if err != nil {
				return nil, err
			}
			return resultView(res), nil
		})
	}))

	// waitlistTrack(eventType, metadata?) -> event
	global.Set("waitlistTrack", js.FuncOf(func(this js.Value, args []js.Value) interface{} {
		var meta map[string]any
		if len(args) > 1 {
			if err := browser.FromJS(args[1], &meta); err != nil {
				log.Warn().Err(err).Msg("Ignoring malformed event metadata")
			}
		}
		return browser.ToJS(v.Tracker.Track(funnel.EventType(argString(args, 0)), meta))
	}))

	// waitlistStatus() -> referral status
	global.Set("waitlistStatus", js.FuncOf(func(this js.Value, args []js.Value) interface{} {
		return browser.ToJS(v.Resolver.Current())
	}))

	// waitlistClear() clears attribution data and notifies subscribers.
	global.Set("waitlistClear", js.FuncOf(func(this js.Value, args []js.Value) interface{} {
		v.ClearAll()
		return nil
	}))

	// waitlistSubscribe(callback) -> unsubscribe function
	global.Set("waitlistSubscribe", js.FuncOf(func(this js.Value, args []js.Value) interface{} {
		if len(args) == 0 || args[0].Type() != js.TypeFunction {
			return js.Undefined()
		}
		cb := args[0]
		cancel := v.Resolver.Subscribe(func(st referral.Status) {
			cb.Invoke(browser.ToJS(st))
		})
		cb.Invoke(browser.ToJS(v.Resolver.Current()))

		var unsubscribe js.Func
		unsubscribe = js.FuncOf(func(this js.Value, args []js.Value) interface{} {
			cancel()
			unsubscribe.Release()
			return nil
		})
		return unsubscribe
	}))
}

func argString(args []js.Value, i int) string {
	if i >= len(args) || args[i].Type() != js.TypeString {
		return ""
	}
	return args[i].String()
}

func resultView(res signup.Result) map[string]interface{} {
	out := map[string]interface{}{
		"state":         res.State.String(),
		"referralCode":  res.ReferralCode,
		"localFallback": res.LocalFallback,
	}
	if res.Response != nil {
		out["response"] = res.Response
	}
	if res.Err != nil {
		out["error"] = res.Err.Error()
	}
	return out
}
