package container

import "encoding/json"

// Event bus keys published by the container. Subscribers are the UI layer.
const (
	EventShowNotification  = "container.showNotification"
	EventNavigate          = "container.navigate"
	EventRefreshGadget     = "container.refreshGadget"
	EventChangeGadgetState = "container.changeGadgetState"
	EventSetupDelegation   = "container.setupDelegation"
	EventSpin              = "container.spin"
	EventTasksRegistered   = "container.tasksRegistered"
	EventTaskCompleted     = "container.taskCompleted"
	EventTitleChanged      = "container.titleChanged"
	EventFormFieldAdded    = "container.formFieldAdded"
	EventFrameConnected    = "container.frameConnected"
	EventFrameDisconnected = "container.frameDisconnected"
)

// GadgetEvent identifies the gadget a container event concerns.
type GadgetEvent struct {
	FrameID  string
	ModuleID int64
}

// NotificationEvent asks the UI to show a notification raised by a gadget.
type NotificationEvent struct {
	GadgetEvent
	Notification json.RawMessage
}

// NavigateEvent asks the UI to open a relative container URL.
type NavigateEvent struct {
	GadgetEvent
	URL string
}

// StateEvent asks the UI to switch a gadget to another view.
type StateEvent struct {
	GadgetEvent
	View   string
	Params string
}

type TasksEvent struct {
	GadgetEvent
	Tasks []Task
}

type TaskEvent struct {
	GadgetEvent
	Task Task
}

// TitleEvent carries the HTML-escaped title a gadget set for itself.
type TitleEvent struct {
	GadgetEvent
	Title string
}

type FormFieldEvent struct {
	GadgetEvent
	Field Field
}
