package service

import (
	"errors"
	"mime/multipart"
	"regexp"
	"strings"

	"roomhub/internal/auth"
	"roomhub/internal/authz"
	"roomhub/internal/media"
	"roomhub/internal/models"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

const (
	maxUsernameLen = 150
	minPasswordLen = 8
	maxPasswordLen = 72 // bcrypt 上限
)

var (
	usernamePattern = regexp.MustCompile(`^[\w.@+-]+$`)
	validate        = validator.New()
)

// AvatarStore 保存上传的头像文件，返回可写入 User.Avatar 的相对路径。
type AvatarStore interface {
	SaveAvatar(fh *multipart.FileHeader) (string, error)
	Remove(name string) error
}

// UserService 封装用户注册、登录和资料相关的业务逻辑。
type UserService struct {
	db      *gorm.DB
	avatars AvatarStore
}

func NewUserService(db *gorm.DB, avatars AvatarStore) *UserService {
	return &UserService{db: db, avatars: avatars}
}

type RegisterInput struct {
	Name            string `form:"name" json:"name"`
	Username        string `form:"username" json:"username"`
	Email           string `form:"email" json:"email"`
	Password        string `form:"password1" json:"password1"`
	PasswordConfirm string `form:"password2" json:"password2"`
}

func (in *RegisterInput) normalize() {
	in.Name = strings.TrimSpace(in.Name)
	in.Username = strings.ToLower(strings.TrimSpace(in.Username))
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
}

func (in RegisterInput) validate() error {
	fe := fieldErrors{}
	fe.required("name", in.Name)
	fe.required("username", in.Username)
	fe.required("email", in.Email)
	fe.required("password1", in.Password)
	fe.required("password2", in.PasswordConfirm)

	if in.Username != "" {
		if len(in.Username) > maxUsernameLen || !usernamePattern.MatchString(in.Username) {
			fe.add("username", "Enter a valid username. This value may contain only letters, numbers, and @/./+/-/_ characters.")
		}
	}
	if in.Email != "" && validate.Var(in.Email, "email") != nil {
		fe.add("email", "Enter a valid email address.")
	}
	if in.Password != "" {
		if len(in.Password) < minPasswordLen {
			fe.add("password1", "This password is too short. It must contain at least 8 characters.")
		} else if len(in.Password) > maxPasswordLen {
			fe.add("password1", "This password is too long.")
		}
	}
	if in.Password != "" && in.PasswordConfirm != "" && in.Password != in.PasswordConfirm {
		fe.add("password2", "The two password fields didn't match.")
	}
	return fe.err()
}

// Register 校验表单并创建用户。邮箱唯一性在写库前检查，以便给出友好的错误。
func (s *UserService) Register(in RegisterInput) (*models.User, error) {
	in.normalize()
	if err := in.validate(); err != nil {
		return nil, err
	}

	var count int64
	if err := s.db.Model(&models.User{}).Where("email = ?", in.Email).Count(&count).Error; err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, invalid("email", "Email already exists")
	}
	if err := s.db.Model(&models.User{}).Where("username = ?", in.Username).Count(&count).Error; err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, invalid("username", "A user with that username already exists.")
	}

	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return nil, err
	}
	user := models.User{
		Name:         in.Name,
		Username:     in.Username,
		Email:        in.Email,
		Avatar:       models.DefaultAvatar,
		PasswordHash: hash,
	}
	if err := s.db.Create(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, invalid("email", "Email already exists")
		}
		return nil, err
	}
	return &user, nil
}

// Login 按邮箱校验密码。邮箱不存在与密码错误返回同一个错误，不暴露是哪一项出错。
func (s *UserService) Login(email, password string) (*models.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return nil, ErrInvalidCredentials
	}
	var user models.User
	if err := s.db.Where("email = ?", email).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !auth.VerifyPassword(user.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}
	return &user, nil
}

func (s *UserService) Get(id uint) (*models.User, error) {
	var user models.User
	if err := s.db.First(&user, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

// Profile 是个人主页的数据：用户、其创建的房间、发过的消息以及话题侧栏。
type Profile struct {
	User       models.User      `json:"user"`
	Rooms      []models.Room    `json:"rooms"`
	Messages   []models.Message `json:"room_messages"`
	Topics     []TopicSummary   `json:"topics"`
	MoreTopics []TopicSummary   `json:"topics_show_all"`
}

func (s *UserService) Profile(id uint) (*Profile, error) {
	user, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	p := Profile{User: *user}
	if err := s.db.Preload("Host").Preload("Topic").Preload("Participants").
		Where("host_id = ?", id).Order("updated_at desc, id desc").Find(&p.Rooms).Error; err != nil {
		return nil, err
	}
	if err := s.db.Preload("User").Preload("Room").
		Where("user_id = ?", id).Order("created_at desc, id desc").Find(&p.Messages).Error; err != nil {
		return nil, err
	}
	topics, err := listTopics(s.db, "")
	if err != nil {
		return nil, err
	}
	p.Topics, p.MoreTopics = splitTopics(topics, TopicPreviewLimit)
	return &p, nil
}

type ProfileInput struct {
	Name string `form:"name" json:"name"`
	Bio  string `form:"bio" json:"bio"`
}

// UpdateProfile 只修改 actor 自己的资料；头像在表单校验通过后才落盘，
// 写库成功后删除被替换的旧头像文件。
func (s *UserService) UpdateProfile(actor authz.Actor, in ProfileInput, avatar *multipart.FileHeader) (*models.User, error) {
	if !actor.Authenticated() {
		return nil, ErrForbidden
	}
	user, err := s.Get(actor.UserID)
	if err != nil {
		return nil, err
	}
	in.Name = strings.TrimSpace(in.Name)
	fe := fieldErrors{}
	fe.required("name", in.Name)
	if err := fe.err(); err != nil {
		return nil, err
	}

	updates := map[string]any{"name": in.Name, "bio": in.Bio}
	previous := user.Avatar
	var stored string
	if avatar != nil {
		stored, err = s.avatars.SaveAvatar(avatar)
		if err != nil {
			if errors.Is(err, media.ErrNotImage) || errors.Is(err, media.ErrTooLarge) {
				return nil, invalid("avatar", err.Error())
			}
			return nil, err
		}
		updates["avatar"] = stored
	}

	if err := s.db.Model(user).Updates(updates).Error; err != nil {
		if stored != "" {
			if rmErr := s.avatars.Remove(stored); rmErr != nil {
				log.Warn().Err(rmErr).Str("avatar", stored).Msg("remove orphaned avatar")
			}
		}
		return nil, err
	}
	if stored != "" && previous != "" && previous != models.DefaultAvatar {
		if err := s.avatars.Remove(previous); err != nil {
			log.Warn().Err(err).Str("avatar", previous).Msg("remove replaced avatar")
		}
	}
	return s.Get(user.ID)
}
