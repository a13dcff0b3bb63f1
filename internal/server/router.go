package server

import (
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/perchsocial/perch/backend/internal/accounts"
	"github.com/perchsocial/perch/backend/internal/auth"
	"github.com/perchsocial/perch/backend/internal/content"
	"github.com/perchsocial/perch/backend/internal/social"
)

const (
	principalIDContextKey    = "perch_principal_id"
	principalStaffContextKey = "perch_principal_staff"
)

var (
	errMissingAccountsService = errors.New("accounts service dependency required")
	errMissingTokenService    = errors.New("token service dependency required")
	errMissingSocialResolver  = errors.New("social resolver dependency required")
	errMissingContentService  = errors.New("content service dependency required")
	errInvalidAuthorization   = errors.New("authorization header missing or invalid")
)

// Dependencies wires the engine services into the HTTP layer.
type Dependencies struct {
	Accounts   *accounts.Service
	Tokens     *auth.TokenService
	Social     *social.Resolver
	Content    *content.Service
	RateLimits RateLimiterConfig
	Logger     *zap.Logger
}

// NewHTTPHandler builds the gin router with all routes and middleware.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Accounts == nil {
		return nil, errMissingAccountsService
	}
	if deps.Tokens == nil {
		return nil, errMissingTokenService
	}
	if deps.Social == nil {
		return nil, errMissingSocialResolver
	}
	if deps.Content == nil {
		return nil, errMissingContentService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		accounts: deps.Accounts,
		tokens:   deps.Tokens,
		social:   deps.Social,
		content:  deps.Content,
		logger:   logger,
	}
	limiter := NewRateLimiter()
	limits := deps.RateLimits

	authRoutes := router.Group("/auth")
	authRoutes.POST("/register", limiter.Middleware("auth_register", limits.Register), handler.handleRegister)
	authRoutes.POST("/login", limiter.Middleware("auth_login", limits.Login), handler.handleLogin)
	authRoutes.POST("/refresh", handler.handleRefresh)
	authRoutes.POST("/social/google", limiter.Middleware("auth_login", limits.Login), handler.handleGoogleLogin)
	authRoutes.POST("/logout", handler.authorizeRequest, handler.handleLogout)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/users/:id", handler.handleGetUser)
	protected.PUT("/users/profile", handler.handleUpdateProfile)

	protected.GET("/posts", handler.handleListPosts)
	protected.POST("/posts", limiter.Middleware("post_create", limits.PostCreate), handler.handleCreatePost)
	protected.GET("/posts/:id", handler.handleGetPost)
	protected.PUT("/posts/:id", handler.handleUpdatePost)
	protected.PATCH("/posts/:id", handler.handleUpdatePost)
	protected.DELETE("/posts/:id", handler.handleDeletePost)
	protected.POST("/posts/:id/like", handler.handleToggleLike)

	protected.GET("/posts/:id/comments", handler.handleListComments)
	protected.POST("/posts/:id/comments", limiter.Middleware("comment_create", limits.CommentCreate), handler.handleCreateComment)
	protected.PUT("/posts/:id/comments/:commentID", handler.handleUpdateComment)
	protected.DELETE("/posts/:id/comments/:commentID", handler.handleDeleteComment)

	protected.POST("/posts/:id/media", handler.handleUploadMedia)
	protected.POST("/posts/:id/media/batch", handler.handleBatchUploadMedia)
	protected.GET("/posts/:id/media/:mediaID", handler.handleGetMedia)
	protected.DELETE("/posts/:id/media/:mediaID", handler.handleDeleteMedia)

	return router, nil
}

type httpHandler struct {
	accounts *accounts.Service
	tokens   *auth.TokenService
	social   *social.Resolver
	content  *content.Service
	logger   *zap.Logger
}

// authorizeRequest validates the bearer access token and loads the account
// so downstream handlers see a full principal (id + staff flag).
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.Authenticate(token)
	if err != nil {
		h.logger.Warn("access token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	account, err := h.accounts.GetByID(c.Request.Context(), subject)
	if err != nil {
		if errors.Is(err, accounts.ErrAccountNotFound) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		h.logger.Error("principal lookup failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.Set(principalIDContextKey, account.ID)
	c.Set(principalStaffContextKey, account.Staff)
	c.Next()
}

func (h *httpHandler) principal(c *gin.Context) content.Principal {
	return content.Principal{
		ID:    c.GetString(principalIDContextKey),
		Staff: c.GetBool(principalStaffContextKey),
	}
}

type registerPayload struct {
	Email           string `json:"email"`
	Password        string `json:"password"`
	PasswordConfirm string `json:"password_confirm"`
	DisplayName     string `json:"display_name"`
}

func (h *httpHandler) handleRegister(c *gin.Context) {
	var request registerPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	account, err := h.accounts.Register(c.Request.Context(), accounts.RegistrationInput{
		Email:           request.Email,
		Password:        request.Password,
		PasswordConfirm: request.PasswordConfirm,
		DisplayName:     request.DisplayName,
	})
	if err != nil {
		switch {
		case errors.Is(err, accounts.ErrInvalidEmail),
			errors.Is(err, accounts.ErrPasswordMismatch),
			errors.Is(err, accounts.ErrWeakPassword),
			errors.Is(err, accounts.ErrDuplicateEmail):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			h.logger.Error("registration failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		}
		return
	}
	pair, err := h.tokens.Issue(c.Request.Context(), account.ID)
	if err != nil {
		h.logger.Error("token issuance failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"user":   h.accountPayload(c, account),
		"tokens": tokenPayload(pair),
	})
}

type loginPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var request loginPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	account, err := h.accounts.AuthenticatePassword(c.Request.Context(), request.Email, request.Password)
	if err != nil {
		if errors.Is(err, accounts.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		h.logger.Error("login failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	pair, err := h.tokens.Issue(c.Request.Context(), account.ID)
	if err != nil {
		h.logger.Error("token issuance failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user":   h.accountPayload(c, account),
		"tokens": tokenPayload(pair),
	})
}

type refreshPayload struct {
	Refresh string `json:"refresh"`
}

func (h *httpHandler) handleRefresh(c *gin.Context) {
	var request refreshPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Refresh) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	pair, err := h.tokens.Refresh(c.Request.Context(), request.Refresh)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidToken) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
			return
		}
		h.logger.Error("token refresh failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, tokenPayload(pair))
}

func (h *httpHandler) handleLogout(c *gin.Context) {
	var request refreshPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Refresh) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.tokens.Revoke(c.Request.Context(), request.Refresh); err != nil {
		if errors.Is(err, auth.ErrInvalidToken) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid token"})
			return
		}
		h.logger.Error("token revocation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "successfully logged out"})
}

type socialLoginPayload struct {
	AccessToken string `json:"access_token"`
}

func (h *httpHandler) handleGoogleLogin(c *gin.Context) {
	var request socialLoginPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.AccessToken) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "access_token is required"})
		return
	}
	account, created, err := h.social.Resolve(c.Request.Context(), auth.ProviderGoogle, request.AccessToken)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidProviderToken):
			h.logger.Warn("provider token validation failed", zap.Error(err))
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid provider token"})
		case errors.Is(err, auth.ErrIncompleteProviderData), errors.Is(err, social.ErrUnknownProvider):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			h.logger.Error("social resolution failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		}
		return
	}
	pair, err := h.tokens.Issue(c.Request.Context(), account.ID)
	if err != nil {
		h.logger.Error("token issuance failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user":    h.accountPayload(c, account),
		"tokens":  tokenPayload(pair),
		"created": created,
	})
}

func (h *httpHandler) handleGetUser(c *gin.Context) {
	account, err := h.accounts.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, accounts.ErrAccountNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		h.logger.Error("user lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, h.accountPayload(c, account))
}

type profileUpdatePayload struct {
	DisplayName *string `json:"display_name"`
	Bio         *string `json:"bio"`
}

func (h *httpHandler) handleUpdateProfile(c *gin.Context) {
	var request profileUpdatePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	principal := h.principal(c)
	profile, err := h.accounts.UpdateProfile(c.Request.Context(), principal.ID, accounts.ProfileUpdate{
		DisplayName: request.DisplayName,
		Bio:         request.Bio,
	})
	if err != nil {
		if errors.Is(err, accounts.ErrAccountNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		h.logger.Error("profile update failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, profilePayload(profile))
}

type postPayloadRequest struct {
	Title      string `json:"title"`
	Content    string `json:"content"`
	Visibility string `json:"visibility"`
}

func (h *httpHandler) handleListPosts(c *gin.Context) {
	views, err := h.content.ListPosts(c.Request.Context(), h.principal(c))
	if err != nil {
		h.respondContentError(c, err)
		return
	}
	payload := make([]gin.H, 0, len(views))
	for _, view := range views {
		payload = append(payload, postPayload(view))
	}
	c.JSON(http.StatusOK, payload)
}

func (h *httpHandler) handleCreatePost(c *gin.Context) {
	var request postPayloadRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	post, err := h.content.CreatePost(c.Request.Context(), h.principal(c), content.PostInput{
		Title:      request.Title,
		Content:    request.Content,
		Visibility: request.Visibility,
	})
	if err != nil {
		h.respondContentError(c, err)
		return
	}
	response := postPayload(content.PostView{Post: *post})
	response["message"] = "post created successfully"
	c.JSON(http.StatusCreated, response)
}

func (h *httpHandler) handleGetPost(c *gin.Context) {
	view, err := h.content.GetPost(c.Request.Context(), h.principal(c), c.Param("id"))
	if err != nil {
		h.respondContentError(c, err)
		return
	}
	c.JSON(http.StatusOK, postPayload(*view))
}

type postUpdatePayload struct {
	Title      *string `json:"title"`
	Content    *string `json:"content"`
	Visibility *string `json:"visibility"`
}

func (h *httpHandler) handleUpdatePost(c *gin.Context) {
	var request postUpdatePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	view, err := h.content.UpdatePost(c.Request.Context(), h.principal(c), c.Param("id"), content.PostUpdate{
		Title:      request.Title,
		Content:    request.Content,
		Visibility: request.Visibility,
	})
	if err != nil {
		h.respondContentError(c, err)
		return
	}
	response := postPayload(*view)
	response["message"] = "post updated successfully"
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleDeletePost(c *gin.Context) {
	if err := h.content.DeletePost(c.Request.Context(), h.principal(c), c.Param("id")); err != nil {
		h.respondContentError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleToggleLike(c *gin.Context) {
	liked, count, err := h.content.ToggleLike(c.Request.Context(), h.principal(c), c.Param("id"))
	if err != nil {
		h.respondContentError(c, err)
		return
	}
	message := "post liked"
	if !liked {
		message = "like removed"
	}
	c.JSON(http.StatusOK, gin.H{
		"liked":       liked,
		"likes_count": count,
		"message":     message,
	})
}

func (h *httpHandler) handleListComments(c *gin.Context) {
	comments, err := h.content.ListComments(c.Request.Context(), h.principal(c), c.Param("id"))
	if err != nil {
		h.respondContentError(c, err)
		return
	}
	payload := make([]gin.H, 0, len(comments))
	for _, comment := range comments {
		payload = append(payload, commentPayload(comment))
	}
	c.JSON(http.StatusOK, payload)
}

type commentPayloadRequest struct {
	Text     string  `json:"text"`
	ParentID *string `json:"parent_id"`
}

func (h *httpHandler) handleCreateComment(c *gin.Context) {
	var request commentPayloadRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	comment, err := h.content.CreateComment(c.Request.Context(), h.principal(c), c.Param("id"), request.Text, request.ParentID)
	if err != nil {
		h.respondContentError(c, err)
		return
	}
	c.JSON(http.StatusCreated, commentPayload(*comment))
}

func (h *httpHandler) handleUpdateComment(c *gin.Context) {
	var request commentPayloadRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	comment, err := h.content.UpdateComment(c.Request.Context(), h.principal(c), c.Param("id"), c.Param("commentID"), request.Text)
	if err != nil {
		h.respondContentError(c, err)
		return
	}
	c.JSON(http.StatusOK, commentPayload(*comment))
}

func (h *httpHandler) handleDeleteComment(c *gin.Context) {
	if err := h.content.DeleteComment(c.Request.Context(), h.principal(c), c.Param("id"), c.Param("commentID")); err != nil {
		h.respondContentError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleUploadMedia(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no file provided"})
		return
	}
	upload, err := readUpload(fileHeader)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable file"})
		return
	}
	media, err := h.content.AddMedia(c.Request.Context(), h.principal(c), c.Param("id"), upload)
	if err != nil {
		if errors.Is(err, content.ErrInvalidMedia) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.respondContentError(c, err)
		return
	}
	c.JSON(http.StatusCreated, mediaPayload(*media))
}

func (h *httpHandler) handleBatchUploadMedia(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil || len(form.File["files"]) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no files provided"})
		return
	}
	uploads := make([]content.Upload, 0, len(form.File["files"]))
	for _, fileHeader := range form.File["files"] {
		upload, err := readUpload(fileHeader)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable file"})
			return
		}
		uploads = append(uploads, upload)
	}

	result, err := h.content.BatchUpload(c.Request.Context(), h.principal(c), c.Param("id"), uploads)
	if err != nil {
		h.respondContentError(c, err)
		return
	}

	created := make([]gin.H, 0, len(result.Created))
	for _, media := range result.Created {
		created = append(created, mediaPayload(*media))
	}
	uploadErrors := make([]gin.H, 0, len(result.Errors))
	for _, uploadError := range result.Errors {
		uploadErrors = append(uploadErrors, gin.H{
			"filename": uploadError.Filename,
			"error":    uploadError.Error,
		})
	}

	// Any rejected file turns the batch into a multi-status response, even
	// when every file failed: each error is individually actionable.
	status := http.StatusCreated
	if result.Partial() {
		status = http.StatusMultiStatus
	}
	c.JSON(status, gin.H{"created": created, "errors": uploadErrors})
}

func (h *httpHandler) handleGetMedia(c *gin.Context) {
	media, err := h.content.GetMedia(c.Request.Context(), h.principal(c), c.Param("id"), c.Param("mediaID"))
	if err != nil {
		h.respondContentError(c, err)
		return
	}
	c.JSON(http.StatusOK, mediaPayload(*media))
}

func (h *httpHandler) handleDeleteMedia(c *gin.Context) {
	if err := h.content.DeleteMedia(c.Request.Context(), h.principal(c), c.Param("id"), c.Param("mediaID")); err != nil {
		h.respondContentError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// respondContentError translates gateway sentinels into HTTP signals. Hidden
// resources are reported as not found; forbidden is reserved for writes on
// visible entities.
func (h *httpHandler) respondContentError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, content.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, content.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case errors.Is(err, content.ErrValidation), errors.Is(err, content.ErrInvalidMedia):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		h.logger.Error("content operation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}

func readUpload(fileHeader *multipart.FileHeader) (content.Upload, error) {
	file, err := fileHeader.Open()
	if err != nil {
		return content.Upload{}, err
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return content.Upload{}, err
	}
	return content.Upload{
		Filename:    fileHeader.Filename,
		ContentType: fileHeader.Header.Get("Content-Type"),
		Data:        data,
	}, nil
}

func tokenPayload(pair auth.TokenPair) gin.H {
	return gin.H{
		"access":     pair.AccessToken,
		"refresh":    pair.RefreshToken,
		"expires_in": pair.ExpiresIn,
		"token_type": "Bearer",
	}
}

func (h *httpHandler) accountPayload(c *gin.Context, account *accounts.Account) gin.H {
	payload := gin.H{
		"id":    account.ID,
		"email": account.Email,
	}
	profile, err := h.accounts.GetProfile(c.Request.Context(), account.ID)
	switch {
	case err == nil:
		payload["profile"] = profilePayload(profile)
	case !errors.Is(err, accounts.ErrAccountNotFound):
		h.logger.Error("profile lookup failed", zap.String("account_id", account.ID), zap.Error(err))
	}
	return payload
}

func profilePayload(profile *accounts.Profile) gin.H {
	return gin.H{
		"display_name": profile.DisplayName,
		"bio":          profile.Bio,
	}
}

func postPayload(view content.PostView) gin.H {
	return gin.H{
		"id":             view.ID,
		"author":         view.AuthorID,
		"title":          view.Title,
		"content":        view.Content,
		"visibility":     string(view.Visibility),
		"created_at":     view.CreatedAt.UTC(),
		"updated_at":     view.UpdatedAt.UTC(),
		"likes_count":    view.LikesCount,
		"comments_count": view.CommentsCount,
	}
}

func commentPayload(comment content.Comment) gin.H {
	return gin.H{
		"id":         comment.ID,
		"post":       comment.PostID,
		"author":     comment.AuthorID,
		"parent_id":  comment.ParentID,
		"text":       comment.Text,
		"created_at": comment.CreatedAt.UTC(),
	}
}

func mediaPayload(media content.Media) gin.H {
	return gin.H{
		"id":           media.ID,
		"post":         media.PostID,
		"filename":     media.Filename,
		"content_type": media.ContentType,
		"size":         media.Size,
		"width":        media.Width,
		"height":       media.Height,
		"uploaded_by":  media.UploaderID,
		"created_at":   media.CreatedAt.UTC(),
	}
}
