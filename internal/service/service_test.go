package service

import (
	"errors"
	"testing"

	"roomhub/internal/authz"
	"roomhub/internal/db/dbtest"
	"roomhub/internal/models"

	"gorm.io/gorm"
)

type fixture struct {
	db    *gorm.DB
	users *UserService
	rooms *RoomService
	msgs  *MessageService
	tops  *TopicService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gdb := dbtest.New(t)
	return &fixture{
		db:    gdb,
		users: NewUserService(gdb, nil),
		rooms: NewRoomService(gdb),
		msgs:  NewMessageService(gdb),
		tops:  NewTopicService(gdb),
	}
}

// user inserts a user directly, skipping bcrypt, and returns its actor.
func (f *fixture) user(t *testing.T, username string) authz.Actor {
	t.Helper()
	u := models.User{Name: username, Username: username, Email: username + "@example.com", PasswordHash: "x"}
	if err := f.db.Create(&u).Error; err != nil {
		t.Fatalf("create user %s: %v", username, err)
	}
	return authz.Actor{UserID: u.ID, Username: u.Username}
}

func (f *fixture) room(t *testing.T, host authz.Actor, topic, name, desc string) *models.Room {
	t.Helper()
	room, err := f.rooms.Create(host, RoomInput{Topic: topic, Name: name, Description: desc})
	if err != nil {
		t.Fatalf("create room %s: %v", name, err)
	}
	return room
}

func (f *fixture) post(t *testing.T, actor authz.Actor, roomID uint, body string) *models.Message {
	t.Helper()
	msg, err := f.msgs.Post(actor, roomID, MessageInput{Body: body})
	if err != nil {
		t.Fatalf("post message: %v", err)
	}
	return msg
}

func wantValidation(t *testing.T, err error, field string) {
	t.Helper()
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error = %v, want ValidationError on %q", err, field)
	}
	if _, ok := verr.Fields[field]; !ok {
		t.Fatalf("ValidationError fields = %v, want %q", verr.Fields, field)
	}
}
