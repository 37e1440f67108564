package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chat-relay/internal/middleware"
	"chat-relay/internal/mocks"
	"chat-relay/internal/models"
	"chat-relay/internal/store"
	"chat-relay/internal/telemetry"
)

var _ RoomService = (*mocks.RoomServiceMock)(nil)

func setupRoomRouter(handler *RoomHandler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware.RequestID(), middleware.DeviceID(false))
	handler.Register(r)
	return r
}

func serve(r *gin.Engine, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Device-Id", "dev-a")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestCreateRoomSuccess(t *testing.T) {
	rooms := new(mocks.RoomServiceMock)
	router := setupRoomRouter(NewRoomHandler(rooms, nil))

	defaults := store.RoomDefaults{Name: "Friday", Participants: []string{"dev-a", "dev-b"}}
	rooms.On("EnsureRoom", mock.Anything, "r1", models.RoomDirect, defaults).
		Return(models.Room{ID: "r1", Kind: models.RoomDirect, Participants: []string{"dev-a", "dev-b"}}, true, nil).Once()

	rec := serve(router, http.MethodPost, "/rooms", `{"id":"r1","name":"Friday","participants":["dev-b"]}`)

	require.Equal(t, http.StatusCreated, rec.Code)
	var room models.Room
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&room))
	assert.Equal(t, "r1", room.ID)
	rooms.AssertExpectations(t)
}

func TestCreateGroupRoomDefaultsAdminToCreator(t *testing.T) {
	rooms := new(mocks.RoomServiceMock)
	router := setupRoomRouter(NewRoomHandler(rooms, nil))

	rooms.On("EnsureRoom", mock.Anything, "g1", models.RoomGroup, mock.MatchedBy(func(d store.RoomDefaults) bool {
		return d.GroupInfo != nil && d.GroupInfo.CreatedBy == "dev-a" && len(d.GroupInfo.Admins) == 1 && d.GroupInfo.Admins[0] == "dev-a"
	})).Return(models.Room{ID: "g1", Kind: models.RoomGroup}, true, nil).Once()

	rec := serve(router, http.MethodPost, "/rooms", `{"id":"g1","type":"group","description":"plans"}`)

	require.Equal(t, http.StatusCreated, rec.Code)
	rooms.AssertExpectations(t)
}

func TestCreateRoomExistingReturnsOK(t *testing.T) {
	rooms := new(mocks.RoomServiceMock)
	router := setupRoomRouter(NewRoomHandler(rooms, nil))

	rooms.On("EnsureRoom", mock.Anything, "r1", models.RoomDirect, mock.Anything).
		Return(models.Room{ID: "r1"}, false, nil).Once()

	rec := serve(router, http.MethodPost, "/rooms", `{"id":"r1"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	rooms.AssertExpectations(t)
}

func TestCreateRoomInvalidBody(t *testing.T) {
	rooms := new(mocks.RoomServiceMock)
	router := setupRoomRouter(NewRoomHandler(rooms, nil))

	assert.Equal(t, http.StatusBadRequest, serve(router, http.MethodPost, "/rooms", `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, serve(router, http.MethodPost, "/rooms", `{"id":"  "}`).Code)
	assert.Equal(t, http.StatusBadRequest, serve(router, http.MethodPost, "/rooms", `{"id":"r1","type":"channel"}`).Code)
	rooms.AssertNotCalled(t, "EnsureRoom", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestCreateRoomEmitsAudit(t *testing.T) {
	rooms := new(mocks.RoomServiceMock)
	pub := new(mocks.PublisherMock)
	audit := telemetry.NewAuditEmitter(pub, "audit.events", "chat-relay", "test", nil)
	router := setupRoomRouter(NewRoomHandler(rooms, audit))

	rooms.On("EnsureRoom", mock.Anything, "r1", models.RoomDirect, mock.Anything).
		Return(models.Room{ID: "r1"}, true, nil).Once()
	pub.On("Publish", mock.Anything, "audit.events", mock.MatchedBy(func(ev telemetry.AuditEnvelope) bool {
		return ev.RoomID != nil && *ev.RoomID == "r1" && ev.DeviceID != nil && *ev.DeviceID == "dev-a"
	}), mock.Anything).Return(nil).Once()

	rec := serve(router, http.MethodPost, "/rooms", `{"id":"r1"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	pub.AssertExpectations(t)
}

func TestGetRoomNotFound(t *testing.T) {
	rooms := new(mocks.RoomServiceMock)
	router := setupRoomRouter(NewRoomHandler(rooms, nil))

	rooms.On("RoomView", mock.Anything, "ghost", "dev-a").Return(nil, models.ErrRoomNotFound).Once()

	rec := serve(router, http.MethodGet, "/rooms/ghost", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rooms.AssertExpectations(t)
}

func TestGetRoomSuccess(t *testing.T) {
	rooms := new(mocks.RoomServiceMock)
	router := setupRoomRouter(NewRoomHandler(rooms, nil))

	view := models.RoomView{
		Room:        models.Room{ID: "r1", Participants: []string{"dev-a"}},
		Members:     []models.Device{{ID: "dev-a", IsOnline: true}},
		UnreadCount: 3,
		RoomPrefs:   models.RoomPrefs{Pinned: true},
	}
	rooms.On("RoomView", mock.Anything, "r1", "dev-a").Return(view, nil).Once()

	rec := serve(router, http.MethodGet, "/rooms/r1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, float64(3), resp["unreadCount"])
	assert.Equal(t, true, resp["isPinned"])
}

func TestUpdateParticipants(t *testing.T) {
	rooms := new(mocks.RoomServiceMock)
	router := setupRoomRouter(NewRoomHandler(rooms, nil))

	rooms.On("UpdateMembership", mock.Anything, "r1", []string{"dev-a", "dev-c"}).
		Return(models.Room{ID: "r1", Participants: []string{"dev-a", "dev-c"}}, nil).Once()

	rec := serve(router, http.MethodPut, "/rooms/r1/participants", `{"participants":["dev-a","dev-c"]}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	rooms.AssertExpectations(t)

	rec = serve(router, http.MethodPut, "/rooms/r1/participants", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListMessages(t *testing.T) {
	rooms := new(mocks.RoomServiceMock)
	router := setupRoomRouter(NewRoomHandler(rooms, nil))

	rooms.On("Messages", mock.Anything, "r1").Return([]models.Message{{ID: "m1", RoomID: "r1", IsDeleted: true}}, nil).Once()
	rooms.On("Messages", mock.Anything, "ghost").Return(nil, models.ErrRoomNotFound).Once()

	rec := serve(router, http.MethodGet, "/rooms/r1/messages", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Messages []models.Message `json:"messages"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Messages, 1)
	assert.True(t, resp.Messages[0].IsDeleted)

	assert.Equal(t, http.StatusNotFound, serve(router, http.MethodGet, "/rooms/ghost/messages", "").Code)
	rooms.AssertExpectations(t)
}

func TestGetPresence(t *testing.T) {
	rooms := new(mocks.RoomServiceMock)
	router := setupRoomRouter(NewRoomHandler(rooms, nil))

	ids := []string{"dev-a", "dev-b"}
	rooms.On("Online", ids).Return([]string{"dev-a"}).Once()
	rooms.On("Presence", ids).Return([]models.Presence{{DeviceID: "dev-a", Online: true}, {DeviceID: "dev-b"}}).Once()

	rec := serve(router, http.MethodGet, "/presence?deviceIds=dev-a,%20dev-b", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Online   []string          `json:"online"`
		Presence []models.Presence `json:"presence"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, []string{"dev-a"}, resp.Online)
	assert.Len(t, resp.Presence, 2)

	assert.Equal(t, http.StatusBadRequest, serve(router, http.MethodGet, "/presence", "").Code)
}

func TestHealth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/healthz", Health(func() int { return 2 }, func() string { return "none" }))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","connections":2,"events":"none"}`, rec.Body.String())
}

func TestDebugRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)

	disabled := gin.New()
	RegisterDebugRoutes(disabled, nil, false)
	rec := httptest.NewRecorder()
	disabled.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/audit-test", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	noEmitter := gin.New()
	RegisterDebugRoutes(noEmitter, nil, true)
	rec = httptest.NewRecorder()
	noEmitter.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/audit-test", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	pub := new(mocks.PublisherMock)
	pub.On("Publish", mock.Anything, "audit.events", mock.Anything, mock.Anything).Return(nil).Once()
	enabled := gin.New()
	RegisterDebugRoutes(enabled, telemetry.NewAuditEmitter(pub, "audit.events", "chat-relay", "test", nil), true)
	rec = httptest.NewRecorder()
	enabled.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/audit-test", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	pub.AssertExpectations(t)
}
