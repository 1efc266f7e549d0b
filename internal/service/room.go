package service

import (
	"errors"
	"strings"

	"roomhub/internal/authz"
	"roomhub/internal/metrics"
	"roomhub/internal/models"

	"gorm.io/gorm"
)

// RecentMessageLimit 是首页 "recent activity" 展示的消息条数。
const RecentMessageLimit = 4

// RoomService 封装房间相关的业务逻辑。
type RoomService struct {
	db *gorm.DB
}

func NewRoomService(db *gorm.DB) *RoomService {
	return &RoomService{db: db}
}

type RoomInput struct {
	Topic       string `form:"topic" json:"topic"`
	Name        string `form:"name" json:"name"`
	Description string `form:"description" json:"description"`
}

func (in *RoomInput) normalize() {
	in.Topic = strings.TrimSpace(in.Topic)
	in.Name = strings.TrimSpace(in.Name)
}

func (in RoomInput) validate() error {
	fe := fieldErrors{}
	fe.required("topic", in.Topic)
	fe.required("name", in.Name)
	return fe.err()
}

// Home 是首页的数据。Topics 只取前 TopicPreviewLimit 个，其余在 MoreTopics。
type Home struct {
	Query          string           `json:"q"`
	Rooms          []models.Room    `json:"rooms"`
	RoomCount      int              `json:"room_count"`
	TotalRoomCount int64            `json:"all_room_count"`
	Topics         []TopicSummary   `json:"topics"`
	MoreTopics     []TopicSummary   `json:"topics_show_all"`
	RecentMessages []models.Message `json:"room_messages"`
}

// Home 按 q 对话题名、房间名、房间描述做不区分大小写的子串匹配（三者取或），
// 最近消息只按话题名过滤。
func (s *RoomService) Home(q string) (*Home, error) {
	h := Home{Query: q}

	rooms := s.db.Preload("Host").Preload("Topic").Preload("Participants")
	recent := s.db.Preload("User").Preload("Room")
	if q != "" {
		like := likePattern(q)
		topicIDs := s.db.Model(&models.Topic{}).Select("id").Where("LOWER(name) LIKE ? ESCAPE '!'", like)
		rooms = rooms.Where("topic_id IN (?) OR LOWER(name) LIKE ? ESCAPE '!' OR LOWER(description) LIKE ? ESCAPE '!'", topicIDs, like, like)
		recent = recent.Where("room_id IN (?)", s.db.Model(&models.Room{}).Select("id").Where("topic_id IN (?)", topicIDs))
	}
	if err := rooms.Order("updated_at desc, id desc").Find(&h.Rooms).Error; err != nil {
		return nil, err
	}
	h.RoomCount = len(h.Rooms)

	if err := s.db.Model(&models.Room{}).Count(&h.TotalRoomCount).Error; err != nil {
		return nil, err
	}
	if err := recent.Order("created_at desc, id desc").Limit(RecentMessageLimit).Find(&h.RecentMessages).Error; err != nil {
		return nil, err
	}

	topics, err := listTopics(s.db, "")
	if err != nil {
		return nil, err
	}
	h.Topics, h.MoreTopics = splitTopics(topics, TopicPreviewLimit)
	return &h, nil
}

// RoomDetail 是房间页的数据：消息按创建时间正序。
type RoomDetail struct {
	Room         models.Room      `json:"room"`
	Messages     []models.Message `json:"room_messages"`
	Participants []models.User    `json:"participants"`
}

func (s *RoomService) Get(id uint) (*models.Room, error) {
	var room models.Room
	if err := s.db.Preload("Host").Preload("Topic").First(&room, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &room, nil
}

func (s *RoomService) Detail(id uint) (*RoomDetail, error) {
	var room models.Room
	if err := s.db.Preload("Host").Preload("Topic").Preload("Participants").First(&room, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	d := RoomDetail{Room: room, Participants: room.Participants}
	if err := s.db.Preload("User").Where("room_id = ?", id).Order("created_at asc, id asc").Find(&d.Messages).Error; err != nil {
		return nil, err
	}
	return &d, nil
}

// Create 以 actor 为 host 创建房间，话题不存在时一并创建。
func (s *RoomService) Create(actor authz.Actor, in RoomInput) (*models.Room, error) {
	if !actor.Authenticated() {
		return nil, ErrForbidden
	}
	in.normalize()
	if err := in.validate(); err != nil {
		return nil, err
	}
	var room models.Room
	err := s.db.Transaction(func(tx *gorm.DB) error {
		topic, err := getOrCreateTopic(tx, in.Topic)
		if err != nil {
			return err
		}
		room = models.Room{HostID: actor.UserID, TopicID: topic.ID, Name: in.Name, Description: in.Description}
		return tx.Create(&room).Error
	})
	if err != nil {
		return nil, err
	}
	metrics.RoomsCreatedTotal.Inc()
	return s.Get(room.ID)
}

// Editable 加载房间并确认 actor 是 host，供编辑/删除页面的 GET 使用。
func (s *RoomService) Editable(actor authz.Actor, id uint) (*models.Room, error) {
	room, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if !authz.IsOwner(room, actor) {
		return nil, ErrForbidden
	}
	return room, nil
}

// Update 先鉴权再校验，全部通过后才写库。
func (s *RoomService) Update(actor authz.Actor, id uint, in RoomInput) (*models.Room, error) {
	room, err := s.Editable(actor, id)
	if err != nil {
		return nil, err
	}
	in.normalize()
	if err := in.validate(); err != nil {
		return nil, err
	}
	err = s.db.Transaction(func(tx *gorm.DB) error {
		topic, err := getOrCreateTopic(tx, in.Topic)
		if err != nil {
			return err
		}
		return tx.Model(&models.Room{ID: room.ID}).Updates(map[string]any{
			"name":        in.Name,
			"description": in.Description,
			"topic_id":    topic.ID,
		}).Error
	})
	if err != nil {
		return nil, err
	}
	return s.Get(room.ID)
}

// Delete 删除房间及其消息和参与记录，只有 host 可以删除。
func (s *RoomService) Delete(actor authz.Actor, id uint) error {
	room, err := s.Editable(actor, id)
	if err != nil {
		return err
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("room_id = ?", room.ID).Delete(&models.Message{}).Error; err != nil {
			return err
		}
		if err := tx.Where("room_id = ?", room.ID).Delete(&models.RoomParticipant{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Room{}, room.ID).Error
	})
}
