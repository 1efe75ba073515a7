package container

import (
	"maps"
	"slices"
	"strconv"
	"sync"
)

// RequiredPrefix marks the hidden element that carries a field's required text.
const RequiredPrefix = "REQUIRED:"

const originalSuffix = "original"

type FieldKind string

const (
	FieldURL      FieldKind = "url"
	FieldText     FieldKind = "text"
	FieldCheckBox FieldKind = "checkbox"
	FieldDropDown FieldKind = "dropdown"
	FieldHidden   FieldKind = "hidden"
)

// Field is one element of a plugin configuration form.
type Field struct {
	Kind         FieldKind `json:"kind"`
	Label        string    `json:"label,omitempty"`
	Key          string    `json:"key"`
	Value        string    `json:"value,omitempty"`
	Instructions string    `json:"instructions,omitempty"`
	Required     bool      `json:"required,omitempty"`
	Size         int       `json:"size,omitempty"`
	Checked      bool      `json:"checked,omitempty"`
	Options      []string  `json:"options,omitempty"`
	// Command is the gadget procedure that turns a URL field value into a feed URL.
	Command string `json:"command,omitempty"`
}

// Form is the configuration form a stream plugin gadget builds through the relay.
type Form struct {
	mu           sync.RWMutex
	fields       []Field
	stored       map[string]string
	feedCallback string
}

// NewForm returns an empty form. stored holds the values saved by a previous
// configuration and prefills fields the gadget leaves empty.
func NewForm(stored map[string]string) *Form {
	return &Form{stored: maps.Clone(stored)}
}

// AddURLValidator adds a URL field whose value is validated by command. A
// hidden element keeps the original value next to it.
func (f *Form) AddURLValidator(label, key, value, instructions, requiredText, command string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if value == "" {
		value = f.stored[key+originalSuffix]
	}
	required := f.setupRequired(key, requiredText)

	f.put(Field{Kind: FieldURL, Label: label, Key: key, Value: value, Instructions: instructions, Required: required, Command: command})
	f.put(Field{Kind: FieldHidden, Key: key + originalSuffix, Value: value})
}

// AddTextBox adds a text field.
func (f *Form) AddTextBox(size int, label, key, value, instructions, requiredText string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if value == "" {
		value = f.stored[key]
	}
	required := f.setupRequired(key, requiredText)

	f.put(Field{Kind: FieldText, Label: label, Key: key, Value: value, Instructions: instructions, Required: required, Size: size})
}

// AddCheckBox adds a check box. A stored value overrides checked.
func (f *Form) AddCheckBox(label, key, instructions, requiredText string, checked bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if stored, ok := f.stored[key]; ok {
		checked, _ = strconv.ParseBool(stored)
	}
	required := f.setupRequired(key, requiredText)

	f.put(Field{Kind: FieldCheckBox, Label: label, Key: key, Instructions: instructions, Required: required, Checked: checked})
}

// AddDropDown adds a drop down over options.
func (f *Form) AddDropDown(label, key string, options []string, current, instructions, requiredText string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if current == "" {
		current = f.stored[key]
	}
	required := f.setupRequired(key, requiredText)

	f.put(Field{Kind: FieldDropDown, Label: label, Key: key, Value: current, Instructions: instructions, Required: required, Options: slices.Clone(options)})
}

// SetValue records user input for a field. It reports false for unknown keys.
func (f *Form) SetValue(key, value string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	idx := f.index(key)
	if idx < 0 {
		return false
	}
	if f.fields[idx].Kind == FieldCheckBox {
		f.fields[idx].Checked, _ = strconv.ParseBool(value)
		return true
	}
	f.fields[idx].Value = value

	return true
}

// Value returns the current value of a field. Check boxes report "true" or "false".
func (f *Form) Value(key string) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	idx := f.index(key)
	if idx < 0 {
		return "", false
	}
	field := f.fields[idx]
	if field.Kind == FieldCheckBox {
		return strconv.FormatBool(field.Checked), true
	}

	return field.Value, true
}

// Field returns the field stored under key.
func (f *Form) Field(key string) (Field, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	idx := f.index(key)
	if idx < 0 {
		return Field{}, false
	}
	field := f.fields[idx]
	field.Options = slices.Clone(field.Options)

	return field, true
}

// Fields returns the form elements in the order they were added.
func (f *Form) Fields() []Field {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]Field, len(f.fields))
	for i, field := range f.fields {
		field.Options = slices.Clone(field.Options)
		out[i] = field
	}

	return out
}

// Values returns every field value keyed by field key.
func (f *Form) Values() map[string]string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	values := make(map[string]string, len(f.fields))
	for _, field := range f.fields {
		if field.Kind == FieldCheckBox {
			values[field.Key] = strconv.FormatBool(field.Checked)
			continue
		}
		values[field.Key] = field.Value
	}

	return values
}

// SetFeedCallback records the gadget procedure that returns the feed URL.
func (f *Form) SetFeedCallback(procedure string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.feedCallback = procedure
}

// FeedCallback returns the registered feed callback procedure.
func (f *Form) FeedCallback() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.feedCallback
}

// setupRequired adds the hidden required marker when requiredText is set.
// Callers hold f.mu.
func (f *Form) setupRequired(key, requiredText string) bool {
	if requiredText == "" {
		return false
	}
	f.put(Field{Kind: FieldHidden, Key: RequiredPrefix + key, Value: requiredText})
	return true
}

// put appends field or replaces the field already stored under its key.
func (f *Form) put(field Field) {
	if idx := f.index(field.Key); idx >= 0 {
		f.fields[idx] = field
		return
	}
	f.fields = append(f.fields, field)
}

func (f *Form) index(key string) int {
	return slices.IndexFunc(f.fields, func(field Field) bool { return field.Key == key })
}

// Forms keeps one form per gadget frame.
type Forms struct {
	mu    sync.Mutex
	forms map[string]*Form
}

func NewForms() *Forms {
	return &Forms{forms: make(map[string]*Form)}
}

// Open starts a fresh form for frameID prefilled with stored values.
func (f *Forms) Open(frameID string, stored map[string]string) *Form {
	form := NewForm(stored)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.forms[frameID] = form

	return form
}

// For returns the form of frameID, opening an empty one on first use.
func (f *Forms) For(frameID string) *Form {
	f.mu.Lock()
	defer f.mu.Unlock()

	form, ok := f.forms[frameID]
	if !ok {
		form = NewForm(nil)
		f.forms[frameID] = form
	}

	return form
}

// Lookup returns the form of frameID if one was opened.
func (f *Forms) Lookup(frameID string) (*Form, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	form, ok := f.forms[frameID]
	return form, ok
}
