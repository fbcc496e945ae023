// Package downtime implements the Downtime/Comment pair attached to
// every checkable, generalized from gogios's Nagios-specific
// host/service comment tables onto checkable names directly.
package downtime

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// CommentEntryType distinguishes why a Comment exists.
type CommentEntryType int

const (
	UserCommentEntry CommentEntryType = iota
	DowntimeCommentEntry
	AcknowledgementCommentEntry
)

// Comment is an annotation attached to one checkable.
type Comment struct {
	ID            string
	CheckableName string
	EntryType     CommentEntryType
	Persistent    bool
	EntryTime     time.Time
	Expires       bool
	ExpireTime    time.Time
	Author        string
	Text          string
}

// CommentManager holds every live Comment, keyed by its ID.
type CommentManager struct {
	mu       sync.RWMutex
	comments map[string]*Comment
}

// NewCommentManager constructs an empty CommentManager.
func NewCommentManager() *CommentManager {
	return &CommentManager{comments: make(map[string]*Comment)}
}

// Add assigns c a new ID, records its entry time, and stores it.
func (cm *CommentManager) Add(c *Comment) string {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.EntryTime.IsZero() {
		c.EntryTime = time.Now()
	}
	cm.mu.Lock()
	cm.comments[c.ID] = c
	cm.mu.Unlock()
	return c.ID
}

// Delete removes a comment by ID.
func (cm *CommentManager) Delete(id string) {
	cm.mu.Lock()
	delete(cm.comments, id)
	cm.mu.Unlock()
}

// Get returns a comment by ID.
func (cm *CommentManager) Get(id string) *Comment {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.comments[id]
}

// DeleteAllFor removes every comment attached to checkableName.
func (cm *CommentManager) DeleteAllFor(checkableName string) {
	cm.mu.Lock()
	for id, c := range cm.comments {
		if c.CheckableName == checkableName {
			delete(cm.comments, id)
		}
	}
	cm.mu.Unlock()
}

// DeleteAckComments deletes non-persistent acknowledgement comments
// attached to checkableName, mirroring what happens when an
// acknowledgement is cleared.
func (cm *CommentManager) DeleteAckComments(checkableName string) {
	cm.mu.Lock()
	for id, c := range cm.comments {
		if c.CheckableName == checkableName && c.EntryType == AcknowledgementCommentEntry && !c.Persistent {
			delete(cm.comments, id)
		}
	}
	cm.mu.Unlock()
}

// ExpireComments removes comments whose ExpireTime has passed.
func (cm *CommentManager) ExpireComments() {
	now := time.Now()
	cm.mu.Lock()
	for id, c := range cm.comments {
		if c.Expires && !c.ExpireTime.IsZero() && c.ExpireTime.Before(now) {
			delete(cm.comments, id)
		}
	}
	cm.mu.Unlock()
}

// All returns every comment.
func (cm *CommentManager) All() []*Comment {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	result := make([]*Comment, 0, len(cm.comments))
	for _, c := range cm.comments {
		result = append(result, c)
	}
	return result
}

// For returns every comment attached to checkableName.
func (cm *CommentManager) For(checkableName string) []*Comment {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	var result []*Comment
	for _, c := range cm.comments {
		if c.CheckableName == checkableName {
			result = append(result, c)
		}
	}
	return result
}
