package content

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrNotFound covers entities that are absent and entities deliberately
	// hidden for privacy. The two are indistinguishable by design.
	ErrNotFound = errors.New("content: not found")
	// ErrForbidden indicates a mutation on an entity the principal can see
	// but does not own.
	ErrForbidden = errors.New("content: forbidden")
	// ErrValidation indicates malformed input the caller can fix and retry.
	ErrValidation = errors.New("content: invalid input")

	errMissingDatabase = errors.New("content: database connection required")
)

// ServiceConfig describes the dependencies of the content gateway.
type ServiceConfig struct {
	Database    *gorm.DB
	Clock       func() time.Time
	Logger      *zap.Logger
	MediaPolicy MediaPolicy
}

// Service is the content access gateway: it composes the access decision
// into query-time filters and object-time checks, and owns the like toggle
// and batch media upload.
type Service struct {
	db          *gorm.DB
	clock       func() time.Time
	logger      *zap.Logger
	mediaPolicy MediaPolicy
}

// NewService constructs the gateway.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	policy := cfg.MediaPolicy
	if policy.MaxSize == 0 && len(policy.AllowedContentTypes) == 0 {
		policy = DefaultMediaPolicy()
	}
	return &Service{
		db:          cfg.Database,
		clock:       clock,
		logger:      logger,
		mediaPolicy: policy,
	}, nil
}

// PostInput carries post creation fields.
type PostInput struct {
	Title      string
	Content    string
	Visibility string
}

// PostUpdate describes a partial post mutation. Nil fields are left alone.
type PostUpdate struct {
	Title      *string
	Content    *string
	Visibility *string
}

// PostView is a post joined with its engagement counts.
type PostView struct {
	Post
	LikesCount    int64
	CommentsCount int64
}

// CreatePost persists a new post owned by the principal.
func (s *Service) CreatePost(ctx context.Context, principal Principal, input PostInput) (*Post, error) {
	if principal.Anonymous() {
		return nil, ErrForbidden
	}
	if strings.TrimSpace(input.Content) == "" {
		return nil, fmt.Errorf("%w: content must not be empty", ErrValidation)
	}
	visibility, err := ParseVisibility(input.Visibility)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	post := Post{
		ID:         uuid.NewString(),
		AuthorID:   principal.ID,
		Title:      strings.TrimSpace(input.Title),
		Content:    input.Content,
		Visibility: visibility,
		CreatedAt:  s.clock().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&post).Error; err != nil {
		return nil, err
	}
	return &post, nil
}

// ListPosts returns every post the principal may read, newest first: all
// public posts plus the principal's own. Staff see everything. The predicate
// is applied in the query itself so pagination and counts stay consistent.
func (s *Service) ListPosts(ctx context.Context, principal Principal) ([]PostView, error) {
	query := s.db.WithContext(ctx).Model(&Post{}).Order("created_at DESC")
	switch {
	case principal.Staff:
		// no filter
	case principal.Anonymous():
		query = query.Where("visibility = ?", VisibilityPublic)
	default:
		query = query.Where("visibility = ? OR author_id = ?", VisibilityPublic, principal.ID)
	}

	var posts []Post
	if err := query.Find(&posts).Error; err != nil {
		return nil, err
	}
	return s.attachCounts(ctx, posts)
}

// GetPost fetches one post. Hidden posts are reported exactly like absent
// ones.
func (s *Service) GetPost(ctx context.Context, principal Principal, postID string) (*PostView, error) {
	post, err := s.fetchReadablePost(ctx, principal, postID)
	if err != nil {
		return nil, err
	}
	views, err := s.attachCounts(ctx, []Post{*post})
	if err != nil {
		return nil, err
	}
	return &views[0], nil
}

// UpdatePost applies a partial update. Non-owners of a visible post get
// ErrForbidden; non-owners of a hidden post get ErrNotFound.
func (s *Service) UpdatePost(ctx context.Context, principal Principal, postID string, update PostUpdate) (*PostView, error) {
	post, err := s.fetchReadablePost(ctx, principal, postID)
	if err != nil {
		return nil, err
	}
	if !CanAccess(principal, post.AuthorID, post.Visibility, IntentWrite) {
		return nil, ErrForbidden
	}

	updates := map[string]interface{}{}
	if update.Title != nil {
		updates["title"] = strings.TrimSpace(*update.Title)
	}
	if update.Content != nil {
		if strings.TrimSpace(*update.Content) == "" {
			return nil, fmt.Errorf("%w: content must not be empty", ErrValidation)
		}
		updates["content"] = *update.Content
	}
	if update.Visibility != nil {
		visibility, err := ParseVisibility(*update.Visibility)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		updates["visibility"] = visibility
	}
	if len(updates) > 0 {
		updates["updated_at"] = s.clock().UTC()
		if err := s.db.WithContext(ctx).Model(&Post{}).Where("id = ?", postID).Updates(updates).Error; err != nil {
			return nil, err
		}
	}
	return s.GetPost(ctx, principal, postID)
}

// DeletePost removes a post and its dependents.
func (s *Service) DeletePost(ctx context.Context, principal Principal, postID string) error {
	post, err := s.fetchReadablePost(ctx, principal, postID)
	if err != nil {
		return err
	}
	if !CanAccess(principal, post.AuthorID, post.Visibility, IntentWrite) {
		return ErrForbidden
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("post_id = ?", postID).Delete(&Like{}).Error; err != nil {
			return err
		}
		if err := tx.Where("post_id = ?", postID).Delete(&Comment{}).Error; err != nil {
			return err
		}
		if err := tx.Where("post_id = ?", postID).Delete(&Media{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", postID).Delete(&Post{}).Error
	})
}

// ToggleLike flips the principal's like on a post. The create is guarded by
// the (post,user) primary key, so two concurrent toggles race on the insert
// rather than on a read-check-then-write.
func (s *Service) ToggleLike(ctx context.Context, principal Principal, postID string) (liked bool, likesCount int64, err error) {
	if principal.Anonymous() {
		return false, 0, ErrForbidden
	}
	if _, err := s.fetchReadablePost(ctx, principal, postID); err != nil {
		return false, 0, err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		like := Like{PostID: postID, UserID: principal.ID, CreatedAt: s.clock().UTC()}
		createErr := tx.Create(&like).Error
		switch {
		case createErr == nil:
			liked = true
		case errors.Is(createErr, gorm.ErrDuplicatedKey):
			if err := tx.Where("post_id = ? AND user_id = ?", postID, principal.ID).
				Delete(&Like{}).Error; err != nil {
				return err
			}
			liked = false
		default:
			return createErr
		}
		return tx.Model(&Like{}).Where("post_id = ?", postID).Count(&likesCount).Error
	})
	if err != nil {
		return false, 0, err
	}
	return liked, likesCount, nil
}

// ListComments returns a post's comments oldest first. A hidden parent post
// yields ErrNotFound before any comment is observable.
func (s *Service) ListComments(ctx context.Context, principal Principal, postID string) ([]Comment, error) {
	if _, err := s.fetchReadablePost(ctx, principal, postID); err != nil {
		return nil, err
	}
	var comments []Comment
	err := s.db.WithContext(ctx).
		Where("post_id = ?", postID).
		Order("created_at ASC").
		Find(&comments).Error
	if err != nil {
		return nil, err
	}
	return comments, nil
}

// CreateComment adds a comment, optionally threaded under a parent comment
// on the same post.
func (s *Service) CreateComment(ctx context.Context, principal Principal, postID, text string, parentID *string) (*Comment, error) {
	if principal.Anonymous() {
		return nil, ErrForbidden
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: text must not be empty", ErrValidation)
	}
	if _, err := s.fetchReadablePost(ctx, principal, postID); err != nil {
		return nil, err
	}
	if parentID != nil {
		var parent Comment
		err := s.db.WithContext(ctx).
			Where("id = ? AND post_id = ?", *parentID, postID).
			Take(&parent).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: parent comment not found on post", ErrValidation)
		}
		if err != nil {
			return nil, err
		}
	}
	comment := Comment{
		ID:        uuid.NewString(),
		PostID:    postID,
		AuthorID:  principal.ID,
		ParentID:  parentID,
		Text:      text,
		CreatedAt: s.clock().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&comment).Error; err != nil {
		return nil, err
	}
	return &comment, nil
}

// UpdateComment edits a comment's text. Only the comment author may edit.
func (s *Service) UpdateComment(ctx context.Context, principal Principal, postID, commentID, text string) (*Comment, error) {
	comment, err := s.fetchComment(ctx, principal, postID, commentID)
	if err != nil {
		return nil, err
	}
	if !CanAccess(principal, comment.AuthorID, VisibilityPublic, IntentWrite) {
		return nil, ErrForbidden
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: text must not be empty", ErrValidation)
	}
	if err := s.db.WithContext(ctx).
		Model(&Comment{}).
		Where("id = ?", commentID).
		Update("text", text).Error; err != nil {
		return nil, err
	}
	comment.Text = text
	return comment, nil
}

// DeleteComment removes a comment. Only the comment author may delete.
func (s *Service) DeleteComment(ctx context.Context, principal Principal, postID, commentID string) error {
	comment, err := s.fetchComment(ctx, principal, postID, commentID)
	if err != nil {
		return err
	}
	if !CanAccess(principal, comment.AuthorID, VisibilityPublic, IntentWrite) {
		return ErrForbidden
	}
	return s.db.WithContext(ctx).Where("id = ?", commentID).Delete(&Comment{}).Error
}

// UploadError records one rejected file in a batch.
type UploadError struct {
	Filename string
	Error    string
}

// BatchResult is the partial-failure outcome of a batch upload.
type BatchResult struct {
	Created []*Media
	Errors  []UploadError
}

// Partial reports whether any file in the batch was rejected.
func (r BatchResult) Partial() bool {
	return len(r.Errors) > 0
}

// AddMedia validates and attaches one file to a post.
func (s *Service) AddMedia(ctx context.Context, principal Principal, postID string, upload Upload) (*Media, error) {
	if principal.Anonymous() {
		return nil, ErrForbidden
	}
	if _, err := s.fetchReadablePost(ctx, principal, postID); err != nil {
		return nil, err
	}
	return s.createMedia(ctx, principal, postID, upload)
}

// BatchUpload validates each file independently and attaches the ones that
// pass. Failures are recorded per file and never abort the batch; created
// entries are not rolled back when later files fail. An all-fail batch still
// returns the same partial-success shape.
func (s *Service) BatchUpload(ctx context.Context, principal Principal, postID string, uploads []Upload) (BatchResult, error) {
	if principal.Anonymous() {
		return BatchResult{}, ErrForbidden
	}
	if len(uploads) == 0 {
		return BatchResult{}, fmt.Errorf("%w: no files provided", ErrValidation)
	}
	if _, err := s.fetchReadablePost(ctx, principal, postID); err != nil {
		return BatchResult{}, err
	}

	result := BatchResult{Created: []*Media{}, Errors: []UploadError{}}
	for _, upload := range uploads {
		media, err := s.createMedia(ctx, principal, postID, upload)
		if err != nil {
			if errors.Is(err, ErrInvalidMedia) {
				result.Errors = append(result.Errors, UploadError{
					Filename: upload.Filename,
					Error:    err.Error(),
				})
				continue
			}
			// Store failure is not a per-file condition; surface it.
			return BatchResult{}, err
		}
		result.Created = append(result.Created, media)
	}
	return result, nil
}

// GetMedia fetches one attachment. Only the post author and the uploader may
// see it; everyone else gets the uniform not-found signal.
func (s *Service) GetMedia(ctx context.Context, principal Principal, postID, mediaID string) (*Media, error) {
	post, err := s.fetchReadablePost(ctx, principal, postID)
	if err != nil {
		return nil, err
	}
	var media Media
	err = s.db.WithContext(ctx).
		Where("id = ? AND post_id = ?", mediaID, postID).
		Take(&media).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if principal.ID != post.AuthorID && principal.ID != media.UploaderID {
		return nil, ErrNotFound
	}
	return &media, nil
}

// DeleteMedia removes an attachment under the same access rule as GetMedia.
func (s *Service) DeleteMedia(ctx context.Context, principal Principal, postID, mediaID string) error {
	media, err := s.GetMedia(ctx, principal, postID, mediaID)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Where("id = ?", media.ID).Delete(&Media{}).Error
}

func (s *Service) createMedia(ctx context.Context, principal Principal, postID string, upload Upload) (*Media, error) {
	width, height, err := validateUpload(s.mediaPolicy, upload)
	if err != nil {
		return nil, err
	}
	media := Media{
		ID:          uuid.NewString(),
		PostID:      postID,
		UploaderID:  principal.ID,
		Filename:    upload.Filename,
		ContentType: upload.ContentType,
		Size:        int64(len(upload.Data)),
		Width:       width,
		Height:      height,
		Data:        upload.Data,
		CreatedAt:   s.clock().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&media).Error; err != nil {
		return nil, err
	}
	return &media, nil
}

// fetchReadablePost loads a post and applies the read rule, reporting hidden
// and absent identically.
func (s *Service) fetchReadablePost(ctx context.Context, principal Principal, postID string) (*Post, error) {
	var post Post
	err := s.db.WithContext(ctx).Where("id = ?", postID).Take(&post).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if !CanAccess(principal, post.AuthorID, post.Visibility, IntentRead) {
		return nil, ErrNotFound
	}
	return &post, nil
}

func (s *Service) fetchComment(ctx context.Context, principal Principal, postID, commentID string) (*Comment, error) {
	if _, err := s.fetchReadablePost(ctx, principal, postID); err != nil {
		return nil, err
	}
	var comment Comment
	err := s.db.WithContext(ctx).
		Where("id = ? AND post_id = ?", commentID, postID).
		Take(&comment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &comment, nil
}

// attachCounts joins like and comment counts onto posts with two grouped
// queries instead of one pair per post.
func (s *Service) attachCounts(ctx context.Context, posts []Post) ([]PostView, error) {
	views := make([]PostView, 0, len(posts))
	if len(posts) == 0 {
		return views, nil
	}
	ids := make([]string, 0, len(posts))
	for _, post := range posts {
		ids = append(ids, post.ID)
	}

	type grouped struct {
		PostID string
		Total  int64
	}
	likeCounts := map[string]int64{}
	var likeRows []grouped
	err := s.db.WithContext(ctx).Model(&Like{}).
		Select("post_id, COUNT(*) AS total").
		Where("post_id IN ?", ids).
		Group("post_id").
		Scan(&likeRows).Error
	if err != nil {
		return nil, err
	}
	for _, row := range likeRows {
		likeCounts[row.PostID] = row.Total
	}

	commentCounts := map[string]int64{}
	var commentRows []grouped
	err = s.db.WithContext(ctx).Model(&Comment{}).
		Select("post_id, COUNT(*) AS total").
		Where("post_id IN ?", ids).
		Group("post_id").
		Scan(&commentRows).Error
	if err != nil {
		return nil, err
	}
	for _, row := range commentRows {
		commentCounts[row.PostID] = row.Total
	}

	for _, post := range posts {
		views = append(views, PostView{
			Post:          post,
			LikesCount:    likeCounts[post.ID],
			CommentsCount: commentCounts[post.ID],
		})
	}
	return views, nil
}
