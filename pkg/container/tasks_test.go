package container

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTaskListKeepsCompletionAcrossRegistrations(t *testing.T) {
	t.Parallel()

	list := NewTaskList()
	list.Register("remote_iframe_42", []Task{{Name: "connect"}, {Name: "share"}, {Name: ""}})

	task, ok := list.Complete("remote_iframe_42", "connect")
	require.True(t, ok)
	require.True(t, task.Completed)

	registered := list.Register("remote_iframe_42", []Task{{Name: "share", Description: "Share a report"}, {Name: "connect"}})
	require.Equal(t, []Task{
		{Name: "share", Description: "Share a report"},
		{Name: "connect", Completed: true},
	}, registered)
	require.Equal(t, registered, list.Tasks("remote_iframe_42"))
}

func TestTaskListCompleteUnknown(t *testing.T) {
	t.Parallel()

	list := NewTaskList()
	list.Register("remote_iframe_42", []Task{{Name: "connect"}})

	_, ok := list.Complete("remote_iframe_42", "missing")
	require.False(t, ok)

	_, ok = list.Complete("remote_iframe_43", "connect")
	require.False(t, ok)
	require.Empty(t, list.Tasks("remote_iframe_43"))
}
