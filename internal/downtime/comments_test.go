package downtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCommentManager_AddAndGet(t *testing.T) {
	cm := NewCommentManager()
	c := &Comment{CheckableName: "host1", EntryType: UserCommentEntry, Author: "admin", Text: "Test comment", Persistent: true}
	id := cm.Add(c)
	require.NotEmpty(t, id)

	got := cm.Get(id)
	require.NotNil(t, got)
	require.Equal(t, "Test comment", got.Text)
}

func TestCommentManager_Delete(t *testing.T) {
	cm := NewCommentManager()
	id := cm.Add(&Comment{CheckableName: "host1"})
	cm.Delete(id)
	require.Nil(t, cm.Get(id))
}

func TestCommentManager_DeleteAllFor(t *testing.T) {
	cm := NewCommentManager()
	cm.Add(&Comment{CheckableName: "host1"})
	cm.Add(&Comment{CheckableName: "host1"})
	cm.Add(&Comment{CheckableName: "host2"})

	cm.DeleteAllFor("host1")

	require.Empty(t, cm.For("host1"))
	require.Len(t, cm.For("host2"), 1)
}

func TestCommentManager_DeleteAckComments(t *testing.T) {
	cm := NewCommentManager()
	cm.Add(&Comment{CheckableName: "host1", EntryType: AcknowledgementCommentEntry, Persistent: false})
	cm.Add(&Comment{CheckableName: "host1", EntryType: AcknowledgementCommentEntry, Persistent: true})
	cm.Add(&Comment{CheckableName: "host1", EntryType: UserCommentEntry})

	cm.DeleteAckComments("host1")

	require.Len(t, cm.For("host1"), 2)
}

func TestCommentManager_ExpireComments(t *testing.T) {
	cm := NewCommentManager()
	cm.Add(&Comment{CheckableName: "host1", Expires: true, ExpireTime: time.Now().Add(-time.Hour)})
	cm.Add(&Comment{CheckableName: "host1", Expires: false})

	cm.ExpireComments()

	require.Len(t, cm.All(), 1)
}

func TestCommentManager_ForCheckable(t *testing.T) {
	cm := NewCommentManager()
	cm.Add(&Comment{CheckableName: "host1!HTTP"})
	cm.Add(&Comment{CheckableName: "host1!SSH"})

	require.Len(t, cm.For("host1!HTTP"), 1)
}
