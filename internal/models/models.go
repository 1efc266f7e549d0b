package models

import "time"

// DefaultAvatar 是未上传头像的用户使用的占位文件。
const DefaultAvatar = "avatar.svg"

type User struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Name         string    `gorm:"size:200;not null" json:"name"`
	Username     string    `gorm:"uniqueIndex;size:150;not null" json:"username"`
	Email        string    `gorm:"uniqueIndex;size:254;not null" json:"-"`
	Bio          string    `gorm:"type:text" json:"bio"`
	Avatar       string    `gorm:"size:255;not null;default:avatar.svg" json:"avatar"`
	PasswordHash string    `gorm:"not null" json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type Topic struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"uniqueIndex;size:200;not null" json:"name"`
	CreatedAt time.Time `json:"-"`
}

type Room struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	HostID       uint      `gorm:"index;not null" json:"host_id"`
	Host         User      `json:"host"`
	TopicID      uint      `gorm:"index;not null" json:"topic_id"`
	Topic        Topic     `json:"topic"`
	Name         string    `gorm:"size:200;not null" json:"name"`
	Description  string    `gorm:"type:text" json:"description"`
	Participants []User    `gorm:"many2many:room_participants" json:"participants"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// OwnerID 返回房间的 host，供 authz.IsOwner 使用。
func (r Room) OwnerID() uint { return r.HostID }

type Message struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UserID    uint      `gorm:"index;not null" json:"user_id"`
	User      User      `json:"user"`
	RoomID    uint      `gorm:"index:idx_msg_room_id;not null" json:"room_id"`
	Room      *Room     `gorm:"constraint:OnDelete:CASCADE" json:"room,omitempty"`
	Body      string    `gorm:"type:text;not null" json:"body"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// OwnerID 返回消息作者。
func (m Message) OwnerID() uint { return m.UserID }

// RoomParticipant 是 rooms.participants 的连接表，复合主键保证同一用户只出现一次。
type RoomParticipant struct {
	RoomID    uint `gorm:"primaryKey"`
	UserID    uint `gorm:"primaryKey"`
	CreatedAt time.Time
}
