package service

import (
	"errors"

	"roomhub/internal/authz"
	"roomhub/internal/metrics"
	"roomhub/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MessageService 封装消息相关的业务逻辑。
type MessageService struct {
	db *gorm.DB
}

func NewMessageService(db *gorm.DB) *MessageService {
	return &MessageService{db: db}
}

type MessageInput struct {
	Body string `form:"body" json:"body"`
}

func (in MessageInput) validate() error {
	fe := fieldErrors{}
	fe.required("body", in.Body)
	return fe.err()
}

func (s *MessageService) Get(id uint) (*models.Message, error) {
	var msg models.Message
	if err := s.db.Preload("User").Preload("Room").First(&msg, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &msg, nil
}

// Post 在房间里发消息，并把作者加入参与者；重复加入是 no-op。
func (s *MessageService) Post(actor authz.Actor, roomID uint, in MessageInput) (*models.Message, error) {
	if !actor.Authenticated() {
		return nil, ErrForbidden
	}
	var count int64
	if err := s.db.Model(&models.Room{}).Where("id = ?", roomID).Count(&count).Error; err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, ErrNotFound
	}
	if err := in.validate(); err != nil {
		return nil, err
	}

	msg := models.Message{UserID: actor.UserID, RoomID: roomID, Body: in.Body}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&msg).Error; err != nil {
			return err
		}
		p := models.RoomParticipant{RoomID: roomID, UserID: actor.UserID}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&p).Error
	})
	if err != nil {
		return nil, err
	}
	metrics.MessagesPostedTotal.Inc()
	return &msg, nil
}

// Editable 加载消息并确认 actor 是作者。
func (s *MessageService) Editable(actor authz.Actor, id uint) (*models.Message, error) {
	msg, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if !authz.IsOwner(msg, actor) {
		return nil, ErrForbidden
	}
	return msg, nil
}

func (s *MessageService) Update(actor authz.Actor, id uint, in MessageInput) (*models.Message, error) {
	msg, err := s.Editable(actor, id)
	if err != nil {
		return nil, err
	}
	if err := in.validate(); err != nil {
		return nil, err
	}
	if err := s.db.Model(&models.Message{ID: msg.ID}).Update("body", in.Body).Error; err != nil {
		return nil, err
	}
	return s.Get(msg.ID)
}

// Delete 删除消息并返回被删的消息，调用方据此决定跳转到房间还是动态页。
// 作者仍保留在房间参与者中。
func (s *MessageService) Delete(actor authz.Actor, id uint) (*models.Message, error) {
	msg, err := s.Editable(actor, id)
	if err != nil {
		return nil, err
	}
	if err := s.db.Delete(&models.Message{}, msg.ID).Error; err != nil {
		return nil, err
	}
	return msg, nil
}

// Activity 返回全站消息，最新的在前。
func (s *MessageService) Activity() ([]models.Message, error) {
	msgs := make([]models.Message, 0)
	if err := s.db.Preload("User").Preload("Room").Order("created_at desc, id desc").Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}
