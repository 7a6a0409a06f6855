package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"

	console "github.com/deviceloop/console"
	"github.com/deviceloop/console/broker"
	"github.com/deviceloop/console/internal"
	"github.com/deviceloop/console/provider"
)

var GitCommit string // set by build scripts
var version = "0.99.0"

const (
	// Required
	EnvProviderURL = "CONSOLE_PROVIDER_URL"
	// One of the two credential sets is required
	EnvBearerToken       = "CONSOLE_BEARER_TOKEN"
	EnvOAuthClientID     = "CONSOLE_OAUTH_CLIENT_ID"
	EnvOAuthClientSecret = "CONSOLE_OAUTH_CLIENT_SECRET"
	EnvOAuthTokenURL     = "CONSOLE_OAUTH_TOKEN_URL"

	// Optional
	EnvBindAddr            = "CONSOLE_BIND_ADDR"
	EnvDB                  = "CONSOLE_DB"
	EnvGroupName           = "CONSOLE_SESSION_GROUP"
	EnvNativeScheme        = "CONSOLE_NATIVE_SCHEME"
	EnvWebClientHost       = "CONSOLE_WEBCLIENT_HOST"
	EnvUnattendedOverrides = "CONSOLE_UNATTENDED_OVERRIDES"
	EnvReconcileInterval   = "CONSOLE_RECONCILE_INTERVAL"
	EnvPrometheus          = "CONSOLE_PROM"
	EnvOTLP                = "CONSOLE_OTLP_URL"
	EnvOTLPUsername        = "CONSOLE_OTLP_USERNAME"
	EnvOTLPPassword        = "CONSOLE_OTLP_PASSWORD"
	EnvSentryDSN           = "CONSOLE_SENTRY_DSN"
)

var helpMsg = fmt.Sprintf(`
Environment var
%s     Required. The base URL of the remote-control provider API e.g 'https://api.example.com/v1'
%s     The static provider bearer token. Either this or %s/%s must be set.
%s   OAuth2 client credentials used to mint short-lived provider tokens.
%s       The token endpoint for client-credentials grants. Required with OAuth credentials.
%s        The HTTP listen address. Default: ':8009'.
%s               Postgres connection string for the shared session store e.g 'user=postgres dbname=console sslmode=disable'. Default: unset, use the in-memory store.
%s    The provider group sessions are created in. Default: 'console'.
%s    The custom URI scheme of the installed native client. Default: 'remotectl'.
%s   The host of the provider web client. Default: 'web.deviceloop.example'.
%s  Comma-separated remote-control IDs treated as supporting unattended access.
%s  How often to reconcile tracked sessions against the provider e.g '2m'. Default: off.
%s             Set to enable the /metrics endpoint.
%s         The OTLP HTTP URL to send spans to e.g https://localhost:4318 - if unset does not send OTLP traces.
%s       The OTLP username for Basic auth. If unset, does not send an Authorization header.
%s       The OTLP password for Basic auth. If unset, does not send an Authorization header.
%s       The Sentry DSN to report events to e.g https://console@sentry.example.com/123 - if unset does not send sentry events.
`, EnvProviderURL, EnvBearerToken, EnvOAuthClientID, EnvOAuthClientSecret, EnvOAuthClientID+"/"+EnvOAuthClientSecret,
	EnvOAuthTokenURL, EnvBindAddr, EnvDB, EnvGroupName, EnvNativeScheme, EnvWebClientHost,
	EnvUnattendedOverrides, EnvReconcileInterval, EnvPrometheus, EnvOTLP, EnvOTLPUsername, EnvOTLPPassword, EnvSentryDSN)

func defaulting(in, dft string) string {
	if in == "" {
		return dft
	}
	return in
}

func main() {
	fmt.Printf("deviceloop console %s (%s)\n", version, GitCommit)
	provider.ConsoleVersion = version
	flagHelp := flag.Bool("h", false, "show help")
	flag.Parse()
	if *flagHelp {
		fmt.Print(helpMsg)
		os.Exit(0)
	}
	args := map[string]string{
		EnvProviderURL:         os.Getenv(EnvProviderURL),
		EnvBearerToken:         os.Getenv(EnvBearerToken),
		EnvOAuthClientID:       os.Getenv(EnvOAuthClientID),
		EnvOAuthClientSecret:   os.Getenv(EnvOAuthClientSecret),
		EnvOAuthTokenURL:       os.Getenv(EnvOAuthTokenURL),
		EnvBindAddr:            defaulting(os.Getenv(EnvBindAddr), ":8009"),
		EnvDB:                  os.Getenv(EnvDB),
		EnvGroupName:           defaulting(os.Getenv(EnvGroupName), "console"),
		EnvNativeScheme:        os.Getenv(EnvNativeScheme),
		EnvWebClientHost:       os.Getenv(EnvWebClientHost),
		EnvUnattendedOverrides: os.Getenv(EnvUnattendedOverrides),
		EnvReconcileInterval:   os.Getenv(EnvReconcileInterval),
		EnvPrometheus:          os.Getenv(EnvPrometheus),
		EnvOTLP:                os.Getenv(EnvOTLP),
		EnvOTLPUsername:        os.Getenv(EnvOTLPUsername),
		EnvOTLPPassword:        os.Getenv(EnvOTLPPassword),
		EnvSentryDSN:           os.Getenv(EnvSentryDSN),
	}
	if args[EnvProviderURL] == "" {
		fmt.Print(helpMsg)
		fmt.Printf("\n%s is not set", EnvProviderURL)
		os.Exit(1)
	}

	var tokens provider.TokenSource
	switch {
	case args[EnvOAuthClientID] != "" && args[EnvOAuthClientSecret] != "":
		if args[EnvOAuthTokenURL] == "" {
			fmt.Print(helpMsg)
			fmt.Printf("\n%s is required when OAuth credentials are set", EnvOAuthTokenURL)
			os.Exit(1)
		}
		tokens = &provider.RefreshingTokenSource{
			TokenURL:     args[EnvOAuthTokenURL],
			ClientID:     args[EnvOAuthClientID],
			ClientSecret: args[EnvOAuthClientSecret],
		}
	default:
		// an empty static token yields a NotConfiguredError on first use,
		// which surfaces in the API rather than crashing the process
		tokens = provider.StaticTokenSource(args[EnvBearerToken])
	}

	if args[EnvSentryDSN] != "" {
		fmt.Printf("Configuring Sentry reporting: %s\n", args[EnvSentryDSN])
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:     args[EnvSentryDSN],
			Release: version,
		}); err != nil {
			panic(err)
		}
		defer sentry.Flush(time.Second * 5)
	}

	if args[EnvOTLP] != "" {
		fmt.Printf("Configuring OTLP collector: %s\n", args[EnvOTLP])
		if err := internal.ConfigureOTLP(args[EnvOTLP], args[EnvOTLPUsername], args[EnvOTLPPassword], version); err != nil {
			panic(err)
		}
	}

	var reconcileInterval time.Duration
	if args[EnvReconcileInterval] != "" {
		var err error
		reconcileInterval, err = time.ParseDuration(args[EnvReconcileInterval])
		if err != nil {
			fmt.Printf("invalid %s: %s", EnvReconcileInterval, err)
			os.Exit(1)
		}
	}
	var overrides []string
	if args[EnvUnattendedOverrides] != "" {
		overrides = strings.Split(args[EnvUnattendedOverrides], ",")
	}

	srv := console.Setup(tokens, console.Opts{
		ProviderURL:         args[EnvProviderURL],
		GroupName:           args[EnvGroupName],
		NativeScheme:        args[EnvNativeScheme],
		WebClientHost:       args[EnvWebClientHost],
		UnattendedOverrides: overrides,
		ReconcileInterval:   reconcileInterval,
		FallbackDelay:       broker.DefaultFallbackDelay,
		SessionStoreURI:     args[EnvDB],
		EnablePrometheus:    args[EnvPrometheus] != "",
	})
	defer srv.Teardown()
	console.RunConsoleServer(srv, args[EnvBindAddr], args[EnvPrometheus] != "")
}
