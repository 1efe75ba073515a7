package cmd

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"ifrelay/pkg/config"
	"ifrelay/pkg/request"

	"github.com/spf13/cobra"
)

var (
	fetchMethod    string
	fetchRepeat    int
	fetchNoRefresh bool
	fetchToken     string
	fetchData      []string
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <url>",
	Short: "Run a cached request and print its lifecycle events",
	Long:  "Executes one request type through the caching request wrapper and prints every success, error, beforeSend and complete event. Repeated runs are served from the cache.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		target := strings.TrimSpace(args[0])

		params, err := parseParams(fetchData)
		if err != nil {
			fmt.Printf("invalid --data: %v\n", err)
			return
		}

		reqCfg := config.RequestConfig{}
		if cfg, err := config.LoadConfig(); err == nil {
			reqCfg = cfg.Request
			if fetchToken == "" {
				fetchToken = cfg.Container.SecurityToken
			}
		}

		mode := request.RefreshInBackground
		if fetchNoRefresh || reqCfg.NoRefreshOnCache {
			mode = request.NoBackgroundRefresh
		}

		desc := request.Descriptor{
			Name:   "fetch",
			Method: strings.ToUpper(fetchMethod),
			URL: func(request.Params) string {
				return target
			},
			Mode: mode,
		}
		wrapper := request.New(desc, nil,
			request.WithCache(request.NewCache(reqCfg.CacheSize(), reqCfg.CacheTTL())),
			request.WithHTTPClient(&http.Client{Timeout: reqCfg.Timeout()}),
			request.WithSecurityToken(fetchToken),
			request.WithBreaker(request.BreakerSettings{
				MaxFailures: reqCfg.Breaker.MaxFailures,
				Timeout:     time.Duration(reqCfg.Breaker.OpenSeconds) * time.Second,
				Interval:    time.Duration(reqCfg.Breaker.IntervalSeconds) * time.Second,
			}),
		)

		wrapper.Observe(func(event request.SuccessEvent) {
			fmt.Println(describeSuccess(event))
		}, func(event request.ErrorEvent) {
			fmt.Println(describeError(event))
		})
		wrapper.ObserveServerCallStatus(func(event request.StatusEvent) {
			fmt.Printf("beforeSend %s %s\n", event.Method, event.Request)
		}, func(event request.StatusEvent) {
			fmt.Printf("complete   %s %s status=%d in %s\n", event.Method, event.Request, event.Status, event.Duration.Round(time.Millisecond))
		})

		runs := max(fetchRepeat, 1)
		for range runs {
			<-wrapper.Execute(context.Background(), params, true)
		}
		wrapper.Wait()
	},
}

func init() {
	rootCmd.AddCommand(fetchCmd)
	fetchCmd.Flags().StringVarP(&fetchMethod, "method", "X", http.MethodGet, "HTTP method")
	fetchCmd.Flags().IntVarP(&fetchRepeat, "repeat", "n", 1, "number of times to execute the request")
	fetchCmd.Flags().BoolVar(&fetchNoRefresh, "no-refresh", false, "do not refresh from the network after a cache hit")
	fetchCmd.Flags().StringVar(&fetchToken, "token", "", "security token sent as the st query parameter")
	fetchCmd.Flags().StringArrayVarP(&fetchData, "data", "d", nil, "request parameter as key=value, sent as the JSON body for POST and PUT")
}

// parseParams turns key=value pairs into request parameters.
func parseParams(pairs []string) (request.Params, error) {
	params := request.Params{}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("expected key=value, got %q", pair)
		}
		params[key] = value
	}

	return params, nil
}

func describeSuccess(event request.SuccessEvent) string {
	source := "network"
	if event.FromCache {
		source = "cache"
	}

	return fmt.Sprintf("success    %s from %s: %s", event.Request, source, event.Response)
}

func describeError(event request.ErrorEvent) string {
	category := request.CategoryFromError(event.Err)
	if event.Status > 0 {
		return fmt.Sprintf("error      %s [%s] status=%d: %v", event.Request, category, event.Status, event.Err)
	}

	return fmt.Sprintf("error      %s [%s]: %v", event.Request, category, event.Err)
}
