package handlers

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"CipherChat/server/internal/models"
	"CipherChat/server/internal/pool"
	"CipherChat/server/internal/services"
	appErrors "CipherChat/server/pkg/errors"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

var errNotStubbed = appErrors.Internal("not stubbed in this test")

// recordingConn captures every text frame a client's write pump emits.
type recordingConn struct {
	mu     sync.Mutex
	frames [][]byte
	closes int
}

func (c *recordingConn) WriteMessage(messageType int, data []byte) error {
	if messageType != websocket.TextMessage {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	c.frames = append(c.frames, buf)
	return nil
}

func (c *recordingConn) SetWriteDeadline(t time.Time) error { return nil }

func (c *recordingConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return nil
}

// wireFrame is the decoded shape of anything the server pushes.
type wireFrame struct {
	Event string                 `json:"event"`
	AckID string                 `json:"ack_id"`
	Data  map[string]interface{} `json:"data"`
}

func (c *recordingConn) decoded() []wireFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]wireFrame, 0, len(c.frames))
	for _, raw := range c.frames {
		var f wireFrame
		if err := json.Unmarshal(raw, &f); err == nil {
			out = append(out, f)
		}
	}
	return out
}

// waitForEvent polls until a frame with the given event arrives. The
// write pump drains asynchronously, so a short wait is expected.
func (c *recordingConn) waitForEvent(t *testing.T, event string) wireFrame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, f := range c.decoded() {
			if f.Event == event {
				return f
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no %q frame arrived, got %+v", event, c.decoded())
	return wireFrame{}
}

func (c *recordingConn) waitForAck(t *testing.T, ackID string) wireFrame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, f := range c.decoded() {
			if f.Event == "ack" && f.AckID == ackID {
				return f
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no ack %q arrived, got %+v", ackID, c.decoded())
	return wireFrame{}
}

// assertSilent gives the pump a moment to flush, then requires that no
// frame with the given event was written.
func (c *recordingConn) assertSilent(t *testing.T, event string) {
	t.Helper()
	time.Sleep(50 * time.Millisecond)
	for _, f := range c.decoded() {
		if f.Event == event {
			t.Fatalf("unexpected %q frame: %+v", event, f)
		}
	}
}

func (c *recordingConn) ackCount() int {
	count := 0
	for _, f := range c.decoded() {
		if f.Event == "ack" {
			count++
		}
	}
	return count
}

type fakeUserService struct {
	verifyFunc   func(token string) (int64, error)
	registerFunc func(username, email, password string) (*models.User, string, error)
	loginFunc    func(email, password string) (*models.User, string, error)

	online  []int64
	offline []int64
}

func (f *fakeUserService) Register(ctx context.Context, username, email, password string) (*models.User, string, error) {
	if f.registerFunc != nil {
		return f.registerFunc(username, email, password)
	}
	return nil, "", errNotStubbed
}

func (f *fakeUserService) Login(ctx context.Context, email, password string) (*models.User, string, error) {
	if f.loginFunc != nil {
		return f.loginFunc(email, password)
	}
	return nil, "", errNotStubbed
}

func (f *fakeUserService) GetUser(ctx context.Context, userID int64) (*models.User, error) {
	return nil, appErrors.ErrUserNotFound
}

func (f *fakeUserService) VerifyToken(tokenStr string) (int64, error) {
	if f.verifyFunc != nil {
		return f.verifyFunc(tokenStr)
	}
	return 0, appErrors.ErrNotAuthenticated
}

func (f *fakeUserService) SetOnline(ctx context.Context, userID int64) error {
	f.online = append(f.online, userID)
	return nil
}

func (f *fakeUserService) SetOffline(ctx context.Context, userID int64) error {
	f.offline = append(f.offline, userID)
	return nil
}

type fakeMessagingService struct {
	sendFunc    func(senderID, receiverID int64, content string) (*models.DirectMessage, error)
	editFunc    func(userID, messageID int64, content string) (*models.DirectMessage, error)
	deleteFunc  func(userID, messageID int64, forAll bool) (*services.DirectDeletion, error)
	historyFunc func(userID, contactID, limit, offset int64) ([]models.DirectMessage, error)
	markFunc    func(userID, senderID int64) ([]int64, error)
	unreadFunc  func(userID int64, senderID *int64) (int, error)
	listFunc    func(userID int64) ([]models.ConversationView, error)
}

func (f *fakeMessagingService) SendMessage(ctx context.Context, senderID, receiverID int64, content string) (*models.DirectMessage, error) {
	if f.sendFunc != nil {
		return f.sendFunc(senderID, receiverID, content)
	}
	return nil, errNotStubbed
}

func (f *fakeMessagingService) EditMessage(ctx context.Context, userID, messageID int64, content string) (*models.DirectMessage, error) {
	if f.editFunc != nil {
		return f.editFunc(userID, messageID, content)
	}
	return nil, errNotStubbed
}

func (f *fakeMessagingService) DeleteMessage(ctx context.Context, userID, messageID int64, forAll bool) (*services.DirectDeletion, error) {
	if f.deleteFunc != nil {
		return f.deleteFunc(userID, messageID, forAll)
	}
	return nil, errNotStubbed
}

func (f *fakeMessagingService) History(ctx context.Context, userID, contactID, limit, offset int64) ([]models.DirectMessage, error) {
	if f.historyFunc != nil {
		return f.historyFunc(userID, contactID, limit, offset)
	}
	return nil, errNotStubbed
}

func (f *fakeMessagingService) MarkRead(ctx context.Context, userID, senderID int64) ([]int64, error) {
	if f.markFunc != nil {
		return f.markFunc(userID, senderID)
	}
	return nil, errNotStubbed
}

func (f *fakeMessagingService) UnreadCount(ctx context.Context, userID int64, senderID *int64) (int, error) {
	if f.unreadFunc != nil {
		return f.unreadFunc(userID, senderID)
	}
	return 0, errNotStubbed
}

func (f *fakeMessagingService) ListConversations(ctx context.Context, userID int64) ([]models.ConversationView, error) {
	if f.listFunc != nil {
		return f.listFunc(userID)
	}
	return nil, errNotStubbed
}

type fakeGroupService struct {
	createFunc      func(adminID int64, name string, description, avatarURL *string) (*models.GroupView, error)
	getFunc         func(userID, groupID int64) (*models.Group, error)
	listFunc        func(userID int64) ([]models.GroupView, error)
	listMembersFunc func(userID, groupID int64) ([]models.GroupMemberView, error)
	addFunc         func(actorID, groupID, targetID int64) (*models.GroupMember, []int64, error)
	removeFunc      func(actorID, groupID, targetID int64) ([]int64, error)
	sendFunc        func(senderID, groupID int64, content string) (*models.GroupMessage, []int64, error)
	editFunc        func(userID, messageID int64, content string) (*models.GroupMessage, []int64, error)
	deleteFunc      func(userID, messageID int64) (int64, []int64, error)
	historyFunc     func(userID, groupID, limit, offset int64) ([]models.GroupMessage, error)
	markFunc        func(userID, groupID int64) (int64, error)
	unreadFunc      func(userID, groupID int64) (int, error)
}

func (f *fakeGroupService) CreateGroup(ctx context.Context, adminID int64, name string, description, avatarURL *string) (*models.GroupView, error) {
	if f.createFunc != nil {
		return f.createFunc(adminID, name, description, avatarURL)
	}
	return nil, errNotStubbed
}

func (f *fakeGroupService) GetGroup(ctx context.Context, userID, groupID int64) (*models.Group, error) {
	if f.getFunc != nil {
		return f.getFunc(userID, groupID)
	}
	return nil, errNotStubbed
}

func (f *fakeGroupService) ListGroups(ctx context.Context, userID int64) ([]models.GroupView, error) {
	if f.listFunc != nil {
		return f.listFunc(userID)
	}
	return nil, errNotStubbed
}

func (f *fakeGroupService) ListMembers(ctx context.Context, userID, groupID int64) ([]models.GroupMemberView, error) {
	if f.listMembersFunc != nil {
		return f.listMembersFunc(userID, groupID)
	}
	return nil, errNotStubbed
}

func (f *fakeGroupService) AddMember(ctx context.Context, actorID, groupID, targetID int64) (*models.GroupMember, []int64, error) {
	if f.addFunc != nil {
		return f.addFunc(actorID, groupID, targetID)
	}
	return nil, nil, errNotStubbed
}

func (f *fakeGroupService) RemoveMember(ctx context.Context, actorID, groupID, targetID int64) ([]int64, error) {
	if f.removeFunc != nil {
		return f.removeFunc(actorID, groupID, targetID)
	}
	return nil, errNotStubbed
}

func (f *fakeGroupService) SendMessage(ctx context.Context, senderID, groupID int64, content string) (*models.GroupMessage, []int64, error) {
	if f.sendFunc != nil {
		return f.sendFunc(senderID, groupID, content)
	}
	return nil, nil, errNotStubbed
}

func (f *fakeGroupService) EditMessage(ctx context.Context, userID, messageID int64, content string) (*models.GroupMessage, []int64, error) {
	if f.editFunc != nil {
		return f.editFunc(userID, messageID, content)
	}
	return nil, nil, errNotStubbed
}

func (f *fakeGroupService) DeleteMessage(ctx context.Context, userID, messageID int64) (int64, []int64, error) {
	if f.deleteFunc != nil {
		return f.deleteFunc(userID, messageID)
	}
	return 0, nil, errNotStubbed
}

func (f *fakeGroupService) History(ctx context.Context, userID, groupID, limit, offset int64) ([]models.GroupMessage, error) {
	if f.historyFunc != nil {
		return f.historyFunc(userID, groupID, limit, offset)
	}
	return nil, errNotStubbed
}

func (f *fakeGroupService) MarkRead(ctx context.Context, userID, groupID int64) (int64, error) {
	if f.markFunc != nil {
		return f.markFunc(userID, groupID)
	}
	return 0, errNotStubbed
}

func (f *fakeGroupService) UnreadCount(ctx context.Context, userID, groupID int64) (int, error) {
	if f.unreadFunc != nil {
		return f.unreadFunc(userID, groupID)
	}
	return 0, errNotStubbed
}

// wsFixture wires a WSHandler to fakes and a live registry. Clients
// run their real write pumps so tests observe exactly the frames a
// browser would.
type wsFixture struct {
	h         *WSHandler
	registry  *pool.Registry
	users     *fakeUserService
	messaging *fakeMessagingService
	groups    *fakeGroupService
}

func newWSFixture() *wsFixture {
	registry := pool.NewRegistry()
	users := &fakeUserService{}
	messaging := &fakeMessagingService{}
	groups := &fakeGroupService{}
	return &wsFixture{
		h:         NewWSHandler(registry, users, messaging, groups, clockwork.NewFakeClock(), time.Second, 16, 100),
		registry:  registry,
		users:     users,
		messaging: messaging,
		groups:    groups,
	}
}

func (f *wsFixture) newClient(t *testing.T) (*pool.Client, *recordingConn) {
	t.Helper()
	conn := &recordingConn{}
	client := pool.NewClient(conn, clockwork.NewFakeClock(), 16)
	go client.WritePump()
	t.Cleanup(client.Close)
	return client, conn
}

func (f *wsFixture) boundClient(t *testing.T, userID int64) (*pool.Client, *recordingConn) {
	t.Helper()
	client, conn := f.newClient(t)
	f.registry.Bind(userID, client)
	return client, conn
}

func rawJSON(s string) json.RawMessage {
	return json.RawMessage(s)
}
