package integration_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/perchsocial/perch/backend/internal/accounts"
	"github.com/perchsocial/perch/backend/internal/auth"
	"github.com/perchsocial/perch/backend/internal/content"
	"github.com/perchsocial/perch/backend/internal/server"
	"github.com/perchsocial/perch/backend/internal/social"
)

const (
	signingSecret   = "integration-secret"
	jsonContentType = "application/json"
)

func buildStack(testContext *testing.T, userInfoURL string) *httptest.Server {
	testContext.Helper()
	gin.SetMode(gin.TestMode)

	databasePath := filepath.Join(testContext.TempDir(), "integration.db")
	db, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{TranslateError: true})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&accounts.Account{}, &accounts.Profile{}, &accounts.ExternalIdentity{},
		&auth.RevokedToken{},
		&content.Post{}, &content.Comment{}, &content.Media{}, &content.Like{},
	); err != nil {
		testContext.Fatalf("failed to migrate: %v", err)
	}

	accountsService, err := accounts.NewService(accounts.ServiceConfig{
		Database: db,
		Hasher:   accounts.NewHasher(4),
		Logger:   zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build accounts service: %v", err)
	}
	tokenService, err := auth.NewTokenService(auth.TokenServiceConfig{
		SigningSecret: []byte(signingSecret),
		Issuer:        "perch-integration",
		Audience:      "perch-clients",
		AccessTTL:     15 * time.Minute,
		RefreshTTL:    7 * 24 * time.Hour,
		RotateRefresh: true,
		Database:      db,
		Logger:        zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build token service: %v", err)
	}
	googleProvider := auth.NewGoogleProvider(auth.GoogleProviderConfig{UserInfoURL: userInfoURL})
	socialResolver, err := social.NewResolver(social.ResolverConfig{
		Database:  db,
		Providers: []auth.ClaimsResolver{googleProvider},
		Logger:    zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build resolver: %v", err)
	}
	contentService, err := content.NewService(content.ServiceConfig{
		Database: db,
		Logger:   zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build content service: %v", err)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Accounts: accountsService,
		Tokens:   tokenService,
		Social:   socialResolver,
		Content:  contentService,
		Logger:   zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}

	testServer := httptest.NewServer(handler)
	testContext.Cleanup(testServer.Close)
	return testServer
}

func postJSON(testContext *testing.T, url, token string, body map[string]any) (*http.Response, map[string]any) {
	testContext.Helper()
	encoded, err := json.Marshal(body)
	if err != nil {
		testContext.Fatalf("failed to encode body: %v", err)
	}
	request, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		testContext.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Content-Type", jsonContentType)
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		testContext.Fatalf("request failed: %v", err)
	}
	return response, decodeResponse(testContext, response)
}

func getJSON(testContext *testing.T, url, token string) (*http.Response, []byte) {
	testContext.Helper()
	request, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		testContext.Fatalf("failed to build request: %v", err)
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		testContext.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()
	data, err := io.ReadAll(response.Body)
	if err != nil {
		testContext.Fatalf("failed to read body: %v", err)
	}
	return response, data
}

func decodeResponse(testContext *testing.T, response *http.Response) map[string]any {
	testContext.Helper()
	defer response.Body.Close()
	data, err := io.ReadAll(response.Body)
	if err != nil {
		testContext.Fatalf("failed to read body: %v", err)
	}
	var payload map[string]any
	if len(data) > 0 {
		if err := json.Unmarshal(data, &payload); err != nil {
			testContext.Fatalf("failed to decode %q: %v", string(data), err)
		}
	}
	return payload
}

func registerAccount(testContext *testing.T, baseURL, email string) (accessToken, refreshToken string) {
	testContext.Helper()
	response, payload := postJSON(testContext, baseURL+"/auth/register", "", map[string]any{
		"email":            email,
		"password":         "sturdy-pass-1",
		"password_confirm": "sturdy-pass-1",
	})
	if response.StatusCode != http.StatusCreated {
		testContext.Fatalf("registration returned %d: %v", response.StatusCode, payload)
	}
	tokens := payload["tokens"].(map[string]any)
	return tokens["access"].(string), tokens["refresh"].(string)
}

func TestPrivacyEnforcedEndToEnd(testContext *testing.T) {
	testServer := buildStack(testContext, "")

	aliceToken, _ := registerAccount(testContext, testServer.URL, "alice@example.com")
	bobToken, _ := registerAccount(testContext, testServer.URL, "bob@example.com")

	response, created := postJSON(testContext, testServer.URL+"/posts", aliceToken, map[string]any{
		"title":      "diary",
		"content":    "private thoughts",
		"visibility": "private",
	})
	if response.StatusCode != http.StatusCreated {
		testContext.Fatalf("create post returned %d: %v", response.StatusCode, created)
	}
	postID := created["id"].(string)

	listResponse, listBody := getJSON(testContext, testServer.URL+"/posts", bobToken)
	if listResponse.StatusCode != http.StatusOK {
		testContext.Fatalf("list returned %d", listResponse.StatusCode)
	}
	var views []map[string]any
	if err := json.Unmarshal(listBody, &views); err != nil {
		testContext.Fatalf("failed to decode list: %v", err)
	}
	for _, view := range views {
		if view["id"] == postID {
			testContext.Fatalf("private post leaked into another user's listing")
		}
	}

	detailResponse, _ := getJSON(testContext, testServer.URL+"/posts/"+postID, bobToken)
	if detailResponse.StatusCode != http.StatusNotFound {
		testContext.Fatalf("expected 404 for hidden post, got %d", detailResponse.StatusCode)
	}

	ownerResponse, _ := getJSON(testContext, testServer.URL+"/posts/"+postID, aliceToken)
	if ownerResponse.StatusCode != http.StatusOK {
		testContext.Fatalf("owner read returned %d", ownerResponse.StatusCode)
	}
}

func TestSessionLifecycleEndToEnd(testContext *testing.T) {
	testServer := buildStack(testContext, "")

	access, refresh := registerAccount(testContext, testServer.URL, "casey@example.com")

	// Access token admits protected routes.
	listResponse, _ := getJSON(testContext, testServer.URL+"/posts", access)
	if listResponse.StatusCode != http.StatusOK {
		testContext.Fatalf("authenticated list returned %d", listResponse.StatusCode)
	}

	// Rotation spends the presented refresh token.
	refreshResponse, refreshed := postJSON(testContext, testServer.URL+"/auth/refresh", "", map[string]any{"refresh": refresh})
	if refreshResponse.StatusCode != http.StatusOK {
		testContext.Fatalf("refresh returned %d: %v", refreshResponse.StatusCode, refreshed)
	}
	replayResponse, _ := postJSON(testContext, testServer.URL+"/auth/refresh", "", map[string]any{"refresh": refresh})
	if replayResponse.StatusCode != http.StatusUnauthorized {
		testContext.Fatalf("replayed refresh returned %d", replayResponse.StatusCode)
	}

	// Logout revokes the rotated token too.
	nextRefresh := refreshed["refresh"].(string)
	logoutResponse, _ := postJSON(testContext, testServer.URL+"/auth/logout", access, map[string]any{"refresh": nextRefresh})
	if logoutResponse.StatusCode != http.StatusOK {
		testContext.Fatalf("logout returned %d", logoutResponse.StatusCode)
	}
	afterLogout, _ := postJSON(testContext, testServer.URL+"/auth/refresh", "", map[string]any{"refresh": nextRefresh})
	if afterLogout.StatusCode != http.StatusUnauthorized {
		testContext.Fatalf("revoked refresh returned %d", afterLogout.StatusCode)
	}
}

func TestSocialLoginEndToEnd(testContext *testing.T) {
	userInfo := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.Header.Get("Authorization") != "Bearer provider-token" {
			writer.WriteHeader(http.StatusUnauthorized)
			return
		}
		writer.Header().Set("Content-Type", jsonContentType)
		_, _ = writer.Write([]byte(`{"sub":"google-1","email":"casey@example.com","name":"Casey Smith"}`))
	}))
	defer userInfo.Close()

	testServer := buildStack(testContext, userInfo.URL)

	first, firstPayload := postJSON(testContext, testServer.URL+"/auth/social/google", "", map[string]any{"access_token": "provider-token"})
	if first.StatusCode != http.StatusOK {
		testContext.Fatalf("social login returned %d: %v", first.StatusCode, firstPayload)
	}
	if firstPayload["created"] != true {
		testContext.Fatalf("expected first social login to create an account")
	}
	firstUser := firstPayload["user"].(map[string]any)

	second, secondPayload := postJSON(testContext, testServer.URL+"/auth/social/google", "", map[string]any{"access_token": "provider-token"})
	if second.StatusCode != http.StatusOK {
		testContext.Fatalf("second social login returned %d", second.StatusCode)
	}
	if secondPayload["created"] != false {
		testContext.Fatalf("expected second social login to reuse the account")
	}
	secondUser := secondPayload["user"].(map[string]any)
	if firstUser["id"] != secondUser["id"] {
		testContext.Fatalf("social login resolved to different accounts")
	}

	rejected, _ := postJSON(testContext, testServer.URL+"/auth/social/google", "", map[string]any{"access_token": "bad-token"})
	if rejected.StatusCode != http.StatusUnauthorized {
		testContext.Fatalf("invalid provider token returned %d", rejected.StatusCode)
	}
}
