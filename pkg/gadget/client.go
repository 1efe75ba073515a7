// Package gadget is the gadget side of the container relay: a typed client for
// the procedures the container exposes to its gadget frames.
package gadget

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"ifrelay/pkg/rpc"
	"ifrelay/pkg/transport"
)

// Task is one onboarding task registered with the container.
type Task struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Client calls container procedures from a gadget frame.
type Client struct {
	relay *rpc.Relay
	log   *slog.Logger
}

// DialOptions selects how a gadget frame reaches the container.
type DialOptions struct {
	// BaseURL is the container server, e.g. http://127.0.0.1:18790.
	BaseURL string
	FrameID string
	Token   string
	// Poll uses the long-poll fallback instead of a WebSocket.
	Poll       bool
	HTTPClient *http.Client
}

// New wraps a relay whose parent peer is already attached.
func New(relay *rpc.Relay, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{relay: relay, log: log.With("component", "gadget.client", "frame", relay.FrameID())}
}

// Dial connects a new gadget frame to the container.
func Dial(ctx context.Context, opts DialOptions, relayOpts ...rpc.Option) (*Client, error) {
	if strings.TrimSpace(opts.FrameID) == "" {
		return nil, errors.New("frame id is required")
	}

	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse container url: %w", err)
	}

	var port transport.Port
	if opts.Poll {
		port, err = transport.DialPoll(ctx, base.String()+"/poll/", opts.FrameID, opts.Token, opts.HTTPClient)
	} else {
		wsURL := *base
		switch wsURL.Scheme {
		case "https":
			wsURL.Scheme = "wss"
		default:
			wsURL.Scheme = "ws"
		}
		wsURL.Path += "/rpc"
		wsURL.RawQuery = url.Values{"frame": {opts.FrameID}, "token": {opts.Token}}.Encode()
		port, err = transport.DialWebSocket(ctx, wsURL.String())
	}
	if err != nil {
		return nil, err
	}

	relay := rpc.New(opts.FrameID, relayOpts...)
	relay.SetAuthToken(rpc.ParentFrame, opts.Token)
	relay.Attach(rpc.ParentFrame, port)

	return New(relay, nil), nil
}

// Relay returns the underlying relay, e.g. to register gadget-side procedures.
func (c *Client) Relay() *rpc.Relay {
	return c.relay
}

func (c *Client) Close() {
	c.relay.Close()
}

// Call invokes any container procedure and returns its raw result.
func (c *Client) Call(ctx context.Context, procedure string, args ...any) (json.RawMessage, error) {
	return c.relay.Invoke(ctx, rpc.ParentFrame, procedure, args...)
}

// Notify sends a fire-and-forget call to the container.
func (c *Client) Notify(procedure string, args ...any) error {
	return c.relay.Call(rpc.ParentFrame, procedure, nil, args...)
}

// AppID returns the gadget's application id. ok is false when the container
// does not know the gadget.
func (c *Client) AppID(ctx context.Context) (id int64, ok bool, err error) {
	var value *int64
	if err := c.decode(ctx, &value, "getAppId"); err != nil {
		return 0, false, err
	}
	if value == nil {
		return 0, false, nil
	}
	return *value, true, nil
}

func (c *Client) ModuleID(ctx context.Context) (int64, error) {
	var id int64
	err := c.decode(ctx, &id, "getModuleId")
	return id, err
}

// OrgName returns the container's organization name. ok is false when unset.
func (c *Client) OrgName(ctx context.Context) (name string, ok bool, err error) {
	return c.optionalString(ctx, "getOrgName")
}

// GroupName returns the container's group name. ok is false when unset.
func (c *Client) GroupName(ctx context.Context) (name string, ok bool, err error) {
	return c.optionalString(ctx, "getGroupName")
}

// FormValue reads a configuration form field. ok is false for unknown keys.
func (c *Client) FormValue(ctx context.Context, key string) (value string, ok bool, err error) {
	return c.optionalString(ctx, "getFormValue", key)
}

func (c *Client) ShowNotification(notification any) error {
	return c.Notify("triggerShowNotificationEvent", notification)
}

func (c *Client) Navigate(relativeURL string) error {
	return c.Notify("eurekaNavigate", relativeURL)
}

func (c *Client) RefreshCurrent() error {
	return c.Notify("refreshCurrentGadget")
}

func (c *Client) SpinOnUserAction() error {
	return c.Notify("spinOnUserAction")
}

// RequestNavigateTo asks the container to switch this gadget to view. params
// may be nil.
func (c *Client) RequestNavigateTo(view string, params any) error {
	if params == nil {
		return c.Notify("requestNavigateTo", view)
	}
	return c.Notify("requestNavigateTo", view, params)
}

func (c *Client) RefreshGadget(ctx context.Context, moduleID int64) error {
	_, err := c.Call(ctx, "refreshGadget", moduleID)
	return err
}

func (c *Client) SetupDelegation(ctx context.Context) error {
	_, err := c.Call(ctx, "setupDelegation")
	return err
}

func (c *Client) RegisterTasks(ctx context.Context, tasks []Task) error {
	_, err := c.Call(ctx, "registerTasks", tasks)
	return err
}

func (c *Client) CompleteTask(ctx context.Context, name string) error {
	_, err := c.Call(ctx, "completeTask", name)
	return err
}

func (c *Client) SetTitle(ctx context.Context, title string) error {
	_, err := c.Call(ctx, "setTitle", title)
	return err
}

// RegisterGetFeedCallback exposes feed as a gadget procedure and tells the
// container to call it when it needs the feed URL.
func (c *Client) RegisterGetFeedCallback(ctx context.Context, procedure string, feed func(context.Context) (string, error)) error {
	c.relay.Register(procedure, func(ctx context.Context, _ *rpc.CallContext, _ rpc.Args) (any, error) {
		return feed(ctx)
	})

	_, err := c.Call(ctx, "registerGetFeedCallback", procedure)
	return err
}

// AddURLValidator adds a URL field. command is exposed as a gadget procedure
// that turns the entered value into a feed URL.
func (c *Client) AddURLValidator(ctx context.Context, label, key, value, instructions, required, command string, validate func(context.Context, string) (string, error)) error {
	if validate != nil {
		c.relay.Register(command, func(ctx context.Context, _ *rpc.CallContext, args rpc.Args) (any, error) {
			input, err := args.String(0)
			if err != nil {
				return nil, err
			}
			return validate(ctx, input)
		})
	}

	_, err := c.Call(ctx, "addUrlValidator", label, key, value, instructions, required, command)
	return err
}

func (c *Client) AddTextBox(ctx context.Context, size int, label, key, value, instructions, required string) error {
	_, err := c.Call(ctx, "addTextBox", size, label, key, value, instructions, required)
	return err
}

func (c *Client) AddCheckBox(ctx context.Context, label, key, value, instructions, required string, checked bool) error {
	_, err := c.Call(ctx, "addCheckBox", label, key, value, instructions, required, checked)
	return err
}

func (c *Client) AddDropDown(ctx context.Context, label, key string, values []string, current, instructions, required string) error {
	_, err := c.Call(ctx, "addDropDown", label, key, values, current, instructions, required)
	return err
}

func (c *Client) optionalString(ctx context.Context, procedure string, args ...any) (string, bool, error) {
	var value *string
	if err := c.decode(ctx, &value, procedure, args...); err != nil {
		return "", false, err
	}
	if value == nil {
		return "", false, nil
	}
	return *value, true, nil
}

func (c *Client) decode(ctx context.Context, v any, procedure string, args ...any) error {
	raw, err := c.Call(ctx, procedure, args...)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s result: %w", procedure, err)
	}
	return nil
}
