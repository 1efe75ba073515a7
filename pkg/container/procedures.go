package container

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"ifrelay/pkg/rpc"
)

// Procedure names gadgets call on the container.
const (
	ProcGetAppID                = "getAppId"
	ProcGetModuleID             = "getModuleId"
	ProcGetOrgName              = "getOrgName"
	ProcGetGroupName            = "getGroupName"
	ProcTriggerShowNotification = "triggerShowNotificationEvent"
	ProcEurekaNavigate          = "eurekaNavigate"
	ProcRefreshCurrentGadget    = "refreshCurrentGadget"
	ProcRefreshGadget           = "refreshGadget"
	ProcSetupDelegation         = "setupDelegation"
	ProcSpinOnUserAction        = "spinOnUserAction"
	ProcRegisterTasks           = "registerTasks"
	ProcCompleteTask            = "completeTask"
	ProcGetFormValue            = "getFormValue"
	ProcRegisterGetFeedCallback = "registerGetFeedCallback"
	ProcAddURLValidator         = "addUrlValidator"
	ProcAddTextBox              = "addTextBox"
	ProcAddCheckBox             = "addCheckBox"
	ProcAddDropDown             = "addDropDown"
	ProcRequestNavigateTo       = "requestNavigateTo"
	ProcSetTitle                = "setTitle"
)

// registerProcedures binds the container's public procedure set on the relay.
func (s *Service) registerProcedures() {
	procedures := map[string]rpc.Handler{
		ProcGetAppID:                s.getAppID,
		ProcGetModuleID:             s.getModuleID,
		ProcGetOrgName:              s.getOrgName,
		ProcGetGroupName:            s.getGroupName,
		ProcTriggerShowNotification: s.triggerShowNotification,
		ProcEurekaNavigate:          s.eurekaNavigate,
		ProcRefreshCurrentGadget:    s.refreshCurrentGadget,
		ProcRefreshGadget:           s.refreshGadget,
		ProcSetupDelegation:         s.setupDelegation,
		ProcSpinOnUserAction:        s.spinOnUserAction,
		ProcRegisterTasks:           s.registerTasks,
		ProcCompleteTask:            s.completeTask,
		ProcGetFormValue:            s.getFormValue,
		ProcRegisterGetFeedCallback: s.registerGetFeedCallback,
		ProcAddURLValidator:         s.addURLValidator,
		ProcAddTextBox:              s.addTextBox,
		ProcAddCheckBox:             s.addCheckBox,
		ProcAddDropDown:             s.addDropDown,
		ProcRequestNavigateTo:       s.requestNavigateTo,
		ProcSetTitle:                s.setTitle,
	}

	for name, handler := range procedures {
		s.relay.Register(name, handler)
	}
}

func (s *Service) getAppID(_ context.Context, call *rpc.CallContext, _ rpc.Args) (any, error) {
	gadget, err := s.gadgets.ForFrame(call.From)
	if err != nil {
		return nil, nil
	}
	return gadget.AppID, nil
}

func (s *Service) getModuleID(_ context.Context, call *rpc.CallContext, _ rpc.Args) (any, error) {
	return GadgetIDFromModuleID(call.From)
}

func (s *Service) getOrgName(context.Context, *rpc.CallContext, rpc.Args) (any, error) {
	if name := s.OrgName(); name != "" {
		return name, nil
	}
	return nil, nil
}

func (s *Service) getGroupName(context.Context, *rpc.CallContext, rpc.Args) (any, error) {
	if name := s.GroupName(); name != "" {
		return name, nil
	}
	return nil, nil
}

func (s *Service) triggerShowNotification(_ context.Context, call *rpc.CallContext, args rpc.Args) (any, error) {
	if err := args.AtLeast(1); err != nil {
		return nil, err
	}

	s.bus.Publish(EventShowNotification, NotificationEvent{
		GadgetEvent:  s.gadgetEvent(call.From),
		Notification: bytes.Clone(args[0]),
	})
	return nil, nil
}

func (s *Service) eurekaNavigate(_ context.Context, call *rpc.CallContext, args rpc.Args) (any, error) {
	relativeURL, err := args.String(0)
	if err != nil {
		return nil, err
	}

	s.bus.Publish(EventNavigate, NavigateEvent{GadgetEvent: s.gadgetEvent(call.From), URL: relativeURL})
	return nil, nil
}

func (s *Service) refreshCurrentGadget(_ context.Context, call *rpc.CallContext, _ rpc.Args) (any, error) {
	gadget, err := s.gadgets.ForFrame(call.From)
	if err != nil {
		return nil, err
	}

	s.bus.Publish(EventRefreshGadget, GadgetEvent{FrameID: gadget.FrameID(), ModuleID: gadget.ModuleID})
	return nil, nil
}

func (s *Service) refreshGadget(_ context.Context, _ *rpc.CallContext, args rpc.Args) (any, error) {
	moduleID, err := int64Arg(args, 0)
	if err != nil {
		return nil, err
	}
	gadget, ok := s.gadgets.Get(moduleID)
	if !ok {
		return nil, fmt.Errorf("%w: module %d", errUnknownGadget, moduleID)
	}

	s.bus.Publish(EventRefreshGadget, GadgetEvent{FrameID: gadget.FrameID(), ModuleID: gadget.ModuleID})
	return nil, nil
}

func (s *Service) setupDelegation(_ context.Context, call *rpc.CallContext, _ rpc.Args) (any, error) {
	s.bus.Publish(EventSetupDelegation, s.gadgetEvent(call.From))
	return nil, nil
}

func (s *Service) spinOnUserAction(_ context.Context, call *rpc.CallContext, _ rpc.Args) (any, error) {
	s.bus.Publish(EventSpin, s.gadgetEvent(call.From))
	return nil, nil
}

func (s *Service) registerTasks(_ context.Context, call *rpc.CallContext, args rpc.Args) (any, error) {
	var tasks []Task
	if err := args.Decode(0, &tasks); err != nil {
		return nil, err
	}

	registered := s.tasks.Register(call.From, tasks)
	s.bus.Publish(EventTasksRegistered, TasksEvent{GadgetEvent: s.gadgetEvent(call.From), Tasks: registered})
	return nil, nil
}

func (s *Service) completeTask(_ context.Context, call *rpc.CallContext, args rpc.Args) (any, error) {
	name, err := args.String(0)
	if err != nil {
		return nil, err
	}

	task, ok := s.tasks.Complete(call.From, name)
	if !ok {
		return nil, fmt.Errorf("task %q is not registered", name)
	}

	s.bus.Publish(EventTaskCompleted, TaskEvent{GadgetEvent: s.gadgetEvent(call.From), Task: task})
	return nil, nil
}

func (s *Service) getFormValue(_ context.Context, call *rpc.CallContext, args rpc.Args) (any, error) {
	key, err := args.String(0)
	if err != nil {
		return nil, err
	}

	form, ok := s.forms.Lookup(call.From)
	if !ok {
		return nil, nil
	}
	value, ok := form.Value(key)
	if !ok {
		return nil, nil
	}
	return value, nil
}

func (s *Service) registerGetFeedCallback(_ context.Context, call *rpc.CallContext, args rpc.Args) (any, error) {
	procedure, err := args.String(0)
	if err != nil {
		return nil, err
	}
	if procedure == "" {
		return nil, errors.New("feed callback procedure is required")
	}

	s.forms.For(call.From).SetFeedCallback(procedure)
	return nil, nil
}

func (s *Service) addURLValidator(_ context.Context, call *rpc.CallContext, args rpc.Args) (any, error) {
	if err := args.AtLeast(2); err != nil {
		return nil, err
	}
	text, err := textArgs(args, 0, 1, 2, 3, 4, 5)
	if err != nil {
		return nil, err
	}

	form := s.forms.For(call.From)
	form.AddURLValidator(text[0], text[1], text[2], text[3], text[4], text[5])
	s.publishField(call.From, form, text[1])
	return nil, nil
}

func (s *Service) addTextBox(_ context.Context, call *rpc.CallContext, args rpc.Args) (any, error) {
	if err := args.AtLeast(3); err != nil {
		return nil, err
	}
	size, err := int64Arg(args, 0)
	if err != nil {
		return nil, err
	}
	text, err := textArgs(args, 1, 2, 3, 4, 5)
	if err != nil {
		return nil, err
	}

	form := s.forms.For(call.From)
	form.AddTextBox(int(size), text[0], text[1], text[2], text[3], text[4])
	s.publishField(call.From, form, text[1])
	return nil, nil
}

func (s *Service) addCheckBox(_ context.Context, call *rpc.CallContext, args rpc.Args) (any, error) {
	if err := args.AtLeast(2); err != nil {
		return nil, err
	}
	// The value argument at index 2 is part of the calling convention but unused.
	text, err := textArgs(args, 0, 1, 3, 4)
	if err != nil {
		return nil, err
	}
	checked, err := boolArg(args, 5)
	if err != nil {
		return nil, err
	}

	form := s.forms.For(call.From)
	form.AddCheckBox(text[0], text[1], text[2], text[3], checked)
	s.publishField(call.From, form, text[1])
	return nil, nil
}

func (s *Service) addDropDown(_ context.Context, call *rpc.CallContext, args rpc.Args) (any, error) {
	if err := args.AtLeast(3); err != nil {
		return nil, err
	}
	text, err := textArgs(args, 0, 1, 3, 4, 5)
	if err != nil {
		return nil, err
	}
	var options []string
	if err := args.Decode(2, &options); err != nil {
		return nil, err
	}

	form := s.forms.For(call.From)
	form.AddDropDown(text[0], text[1], options, text[2], text[3], text[4])
	s.publishField(call.From, form, text[1])
	return nil, nil
}

func (s *Service) requestNavigateTo(_ context.Context, call *rpc.CallContext, args rpc.Args) (any, error) {
	moduleID, err := GadgetIDFromModuleID(call.From)
	if err != nil {
		return nil, err
	}
	view, err := args.String(0)
	if err != nil {
		return nil, err
	}

	params := ""
	if args.Len() > 1 && !isNull(args[1]) {
		var compact bytes.Buffer
		if err := json.Compact(&compact, args[1]); err != nil {
			return nil, err
		}
		params = compact.String()
	}

	s.bus.Publish(EventChangeGadgetState, StateEvent{
		GadgetEvent: GadgetEvent{FrameID: call.From, ModuleID: moduleID},
		View:        view,
		Params:      params,
	})
	return nil, nil
}

func (s *Service) setTitle(ctx context.Context, call *rpc.CallContext, args rpc.Args) (any, error) {
	title, err := args.String(0)
	if err != nil {
		return nil, err
	}
	gadget, err := s.gadgets.ForFrame(call.From)
	if err != nil {
		return nil, err
	}

	s.gadgets.SetTitle(gadget.ModuleID, title)
	s.bus.Publish(EventTitleChanged, TitleEvent{
		GadgetEvent: GadgetEvent{FrameID: call.From, ModuleID: gadget.ModuleID},
		Title:       escapeTitle(title),
	})

	// The save outlives the call; its outcome is reported on the bus.
	if _, err := s.prefs.Set(context.WithoutCancel(ctx), gadget.ModuleID, TitlePref, title); err != nil {
		return nil, err
	}
	return nil, nil
}

func (s *Service) publishField(frameID string, form *Form, key string) {
	field, ok := form.Field(key)
	if !ok {
		return
	}
	s.bus.Publish(EventFormFieldAdded, FormFieldEvent{GadgetEvent: s.gadgetEvent(frameID), Field: field})
}

// gadgetEvent describes the calling frame. Frames that are not gadget frames
// report module id zero.
func (s *Service) gadgetEvent(frameID string) GadgetEvent {
	moduleID, _ := GadgetIDFromModuleID(frameID)
	return GadgetEvent{FrameID: frameID, ModuleID: moduleID}
}

var titleEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;")

func escapeTitle(title string) string {
	return titleEscaper.Replace(title)
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// textArgs reads the given positions as text. Missing positions, null and
// false read as "". Numbers and true read as their JSON text.
func textArgs(args rpc.Args, positions ...int) ([]string, error) {
	out := make([]string, len(positions))
	for i, pos := range positions {
		if pos >= args.Len() || isNull(args[pos]) {
			continue
		}

		var value any
		if err := args.Decode(pos, &value); err != nil {
			return nil, err
		}
		switch v := value.(type) {
		case string:
			out[i] = v
		case bool:
			if v {
				out[i] = "true"
			}
		case float64:
			out[i] = strings.TrimSpace(string(args[pos]))
		default:
			return nil, rpc.NewError(rpc.CategoryHandlerException, fmt.Sprintf("argument %d: expected text", pos))
		}
	}

	return out, nil
}

// int64Arg accepts a JSON number or a numeric string, including frame ids.
func int64Arg(args rpc.Args, pos int) (int64, error) {
	var value any
	if err := args.Decode(pos, &value); err != nil {
		return 0, err
	}

	switch v := value.(type) {
	case float64:
		return int64(v), nil
	case string:
		if id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			return id, nil
		}
		return GadgetIDFromModuleID(v)
	default:
		return 0, rpc.NewError(rpc.CategoryHandlerException, fmt.Sprintf("argument %d: expected a number", pos))
	}
}

// boolArg accepts a JSON boolean or "true"/"false". Missing reads as false.
func boolArg(args rpc.Args, pos int) (bool, error) {
	if pos >= args.Len() || isNull(args[pos]) {
		return false, nil
	}

	var value any
	if err := args.Decode(pos, &value); err != nil {
		return false, err
	}

	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		return strconv.ParseBool(v)
	default:
		return false, rpc.NewError(rpc.CategoryHandlerException, fmt.Sprintf("argument %d: expected a boolean", pos))
	}
}
