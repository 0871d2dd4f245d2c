// Command cowv2 opens a visible browser at a login page and prints the page
// cookies once they match a pattern. Strategies call it through
// get_cookie_by_cowv2 when a login needs a human, e.g. to solve a captcha.
//
//	cowv2 -u <url> -r <pattern> -t <title> [--timeout 5m]
//
// Exit status is 0 with the cookie string on stdout, 1 when the browser
// goes away first and 2 when the timeout expires.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"syscall"
	"time"

	"ddlauncher/config"
	"ddlauncher/observability"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const (
	exitBrowserClosed = 1
	exitTimeout       = 2

	pollInterval = 500 * time.Millisecond
)

var errBrowserClosed = errors.New("browser closed before a matching cookie was set")

type options struct {
	url     string
	pattern string
	title   string
	timeout time.Duration
	bin     string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	observability.InitializeLogger(config.LoggerConfig{Level: "warn", Format: "console", ServiceName: "cowv2"})

	code := run(ctx, os.Args[1:])
	observability.Sync()
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string) int {
	var opts options
	code := 0

	cmd := &cobra.Command{
		Use:           "cowv2 -u <url> -r <pattern> -t <title>",
		Short:         "Capture cookies from a browser login",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			re, err := regexp.Compile(opts.pattern)
			if err != nil {
				return fmt.Errorf("invalid pattern: %w", err)
			}
			if opts.timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, opts.timeout)
				defer cancel()
			}

			cookies, err := capture(ctx, opts, re)
			if err != nil {
				code = exitCodeFor(err)
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), cookies)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.url, "url", "u", "", "login page to open")
	f.StringVarP(&opts.pattern, "regex", "r", "", "regular expression the cookie string must match")
	f.StringVarP(&opts.title, "title", "t", "", "window title shown to the user")
	f.DurationVar(&opts.timeout, "timeout", 0, "give up after this long (0 waits forever)")
	f.StringVar(&opts.bin, "browser", "", "browser binary (default: detect or download)")
	_ = cmd.MarkFlagRequired("url")
	_ = cmd.MarkFlagRequired("regex")

	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if code == 0 {
			code = exitBrowserClosed
		}
	}
	return code
}

func exitCodeFor(err error) int {
	if errors.Is(err, context.DeadlineExceeded) {
		return exitTimeout
	}
	return exitBrowserClosed
}

// capture drives the browser until the cookie string matches re.
func capture(ctx context.Context, opts options, re *regexp.Regexp) (string, error) {
	logger := observability.GetLogger()

	l := launcher.New().Headless(false).Context(ctx)
	if opts.bin != "" {
		l = l.Bin(opts.bin)
	}
	controlURL, err := l.Launch()
	if err != nil {
		return "", fmt.Errorf("launch browser: %w", err)
	}
	defer l.Kill()

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return "", fmt.Errorf("connect to browser: %w", err)
	}
	defer func() { _ = browser.Close() }()

	page, err := browser.Page(proto.TargetCreateTarget{URL: opts.url})
	if err != nil {
		return "", fmt.Errorf("open %s: %w", opts.url, err)
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		// Navigation resets the title, so keep setting it.
		if opts.title != "" {
			if _, err := page.Eval(`t => { document.title = t }`, opts.title); err != nil {
				logger.Debug("Failed to set title", zap.Error(err))
			}
		}

		res, err := proto.NetworkGetCookies{}.Call(page)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", fmt.Errorf("%w: %v", errBrowserClosed, err)
		}
		if cookies := formatCookies(res.Cookies); re.MatchString(cookies) {
			return cookies, nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

// formatCookies renders cookies as a Cookie header value.
func formatCookies(cookies []*proto.NetworkCookie) string {
	parts := make([]string, 0, len(cookies))
	for _, c := range cookies {
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}
