package content

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Visibility gates non-owner read access to a post. Comments and media
// inherit the owning post's visibility.
type Visibility string

const (
	// VisibilityPublic makes a post readable by any principal.
	VisibilityPublic Visibility = "public"
	// VisibilityPrivate hides a post from everyone but its owner (and staff
	// listing queries). Non-owners must not be able to observe existence.
	VisibilityPrivate Visibility = "private"
)

// ErrInvalidVisibility indicates a visibility value outside the closed set.
var ErrInvalidVisibility = errors.New("content: invalid visibility")

// ParseVisibility validates raw input against the closed visibility set. An
// empty value defaults to public.
func ParseVisibility(raw string) (Visibility, error) {
	switch Visibility(strings.ToLower(strings.TrimSpace(raw))) {
	case VisibilityPublic, "":
		return VisibilityPublic, nil
	case VisibilityPrivate:
		return VisibilityPrivate, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidVisibility, raw)
	}
}

// Post is the visibility-bearing content entity.
type Post struct {
	ID         string     `gorm:"column:id;primaryKey;size:36;not null"`
	AuthorID   string     `gorm:"column:author_id;size:36;not null;index:idx_posts_author_created,priority:1"`
	Title      string     `gorm:"column:title;size:200"`
	Content    string     `gorm:"column:content;type:text;not null"`
	Visibility Visibility `gorm:"column:visibility;size:20;not null;default:'public'"`
	CreatedAt  time.Time  `gorm:"column:created_at;not null;index:idx_posts_author_created,priority:2;index"`
	UpdatedAt  time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing posts.
func (Post) TableName() string {
	return "posts"
}

// Comment is a threaded reply on a post. Access collapses to the parent
// post's read rule.
type Comment struct {
	ID        string    `gorm:"column:id;primaryKey;size:36;not null"`
	PostID    string    `gorm:"column:post_id;size:36;not null;index"`
	AuthorID  string    `gorm:"column:author_id;size:36;not null"`
	ParentID  *string   `gorm:"column:parent_id;size:36"`
	Text      string    `gorm:"column:text;type:text;not null"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
}

// TableName exposes the table backing comments.
func (Comment) TableName() string {
	return "comments"
}

// Media is an uploaded attachment on a post. Width and height are populated
// for decodable image types only.
type Media struct {
	ID          string    `gorm:"column:id;primaryKey;size:36;not null"`
	PostID      string    `gorm:"column:post_id;size:36;not null;index"`
	UploaderID  string    `gorm:"column:uploader_id;size:36;not null"`
	Filename    string    `gorm:"column:filename;size:255;not null"`
	ContentType string    `gorm:"column:content_type;size:150;not null"`
	Size        int64     `gorm:"column:size;not null"`
	Width       *int      `gorm:"column:width"`
	Height      *int      `gorm:"column:height"`
	Data        []byte    `gorm:"column:data;type:blob"`
	CreatedAt   time.Time `gorm:"column:created_at;not null"`
}

// TableName exposes the table backing media attachments.
func (Media) TableName() string {
	return "media"
}

// Like encodes "principal liked post" by row presence. The composite primary
// key is the uniqueness constraint the toggle operation leans on.
type Like struct {
	PostID    string    `gorm:"column:post_id;primaryKey;size:36;not null"`
	UserID    string    `gorm:"column:user_id;primaryKey;size:36;not null"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
}

// TableName exposes the table backing likes.
func (Like) TableName() string {
	return "likes"
}
