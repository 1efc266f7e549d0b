package server

import (
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"strconv"

	"roomhub/internal/auth"
	"roomhub/internal/config"
	"roomhub/internal/metrics"
	"roomhub/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
)

const forbiddenMessage = "You are not allowed here!!"

// Handler 聚合所有 HTTP handler，依赖注入 service 层。
type Handler struct {
	cfg      config.Config
	userSvc  *service.UserService
	roomSvc  *service.RoomService
	msgSvc   *service.MessageService
	topicSvc *service.TopicService
}

func NewHandler(cfg config.Config, userSvc *service.UserService, roomSvc *service.RoomService, msgSvc *service.MessageService, topicSvc *service.TopicService) *Handler {
	return &Handler{cfg: cfg, userSvc: userSvc, roomSvc: roomSvc, msgSvc: msgSvc, topicSvc: topicSvc}
}

// render 输出页面数据，page 标识前端应使用的模板。
func render(c *gin.Context, status int, page string, data gin.H) {
	out := gin.H{"page": page}
	for k, v := range data {
		out[k] = v
	}
	actor := auth.CurrentActor(c)
	if actor.Authenticated() {
		out["request_user"] = gin.H{"id": actor.UserID, "username": actor.Username}
	}
	c.JSON(status, out)
}

// fail 把 service 层错误映射为 HTTP 响应；校验错误带着原始输入重新展示表单。
func fail(c *gin.Context, page string, form any, err error, msg string) {
	var verr *service.ValidationError
	switch {
	case errors.As(err, &verr):
		render(c, http.StatusOK, page, gin.H{"form": form, "errors": verr.Fields})
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, service.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": forbiddenMessage})
	case errors.Is(err, service.ErrInvalidCredentials):
		render(c, http.StatusOK, page, gin.H{"form": form, "errors": gin.H{"__all__": err.Error()}})
	default:
		log.Error().Err(err).Str("path", c.FullPath()).Msg(msg)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// bind 解析表单或 JSON 请求体，失败时直接写 400。
func bind(c *gin.Context, dst any) bool {
	if err := c.ShouldBind(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make(map[string]string, len(verrs))
			for _, fe := range verrs {
				fields[fe.Field()] = fe.Tag()
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload", "fields": fields})
			return false
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return false
	}
	return true
}

// pathID 解析 :id，非法 id 一律按不存在处理。
func pathID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return 0, false
	}
	return uint(id), true
}

func roomPath(id uint) string    { return fmt.Sprintf("/room/%d", id) }
func profilePath(id uint) string { return fmt.Sprintf("/profile/%d", id) }

type loginForm struct {
	Email    string `form:"email" json:"email"`
	Password string `form:"password" json:"password"`
	Next     string `form:"next" json:"next"`
}

// LoginPage 展示登录表单，已登录用户直接回首页。
func (h *Handler) LoginPage(c *gin.Context) {
	if auth.CurrentActor(c).Authenticated() {
		c.Redirect(http.StatusFound, "/")
		return
	}
	render(c, http.StatusOK, "login", gin.H{"form": gin.H{"next": c.Query("next")}})
}

// Login 校验邮箱和密码，成功后建立会话并跳转到 next。
func (h *Handler) Login(c *gin.Context) {
	if auth.CurrentActor(c).Authenticated() {
		c.Redirect(http.StatusFound, "/")
		return
	}
	var form loginForm
	if !bind(c, &form) {
		return
	}
	if form.Next == "" {
		form.Next = c.Query("next")
	}
	user, err := h.userSvc.Login(form.Email, form.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			metrics.LoginAttemptsTotal.WithLabelValues("failure").Inc()
		}
		fail(c, "login", gin.H{"email": form.Email, "next": form.Next}, err, "login")
		return
	}
	metrics.LoginAttemptsTotal.WithLabelValues("success").Inc()
	if err := auth.StartSession(c, user.ID); err != nil {
		fail(c, "login", nil, err, "login start session")
		return
	}
	c.Redirect(http.StatusFound, auth.SafeNext(form.Next))
}

func (h *Handler) RegisterPage(c *gin.Context) {
	render(c, http.StatusOK, "register", gin.H{"form": gin.H{}})
}

// Register 创建用户并立即登录。
func (h *Handler) Register(c *gin.Context) {
	var in service.RegisterInput
	if !bind(c, &in) {
		return
	}
	user, err := h.userSvc.Register(in)
	if err != nil {
		fail(c, "register", gin.H{"name": in.Name, "username": in.Username, "email": in.Email}, err, "register")
		return
	}
	if err := auth.StartSession(c, user.ID); err != nil {
		fail(c, "register", nil, err, "register start session")
		return
	}
	c.Redirect(http.StatusFound, "/")
}

// Logout 无条件清空会话。
func (h *Handler) Logout(c *gin.Context) {
	if err := auth.EndSession(c); err != nil {
		log.Warn().Err(err).Msg("logout end session")
	}
	c.Redirect(http.StatusFound, "/")
}

type tokenRequest struct {
	Email    string `form:"email" json:"email" binding:"required,email"`
	Password string `form:"password" json:"password" binding:"required"`
}

// IssueToken 为 API 客户端签发 access token，凭证与登录页相同。
func (h *Handler) IssueToken(c *gin.Context) {
	var req tokenRequest
	if !bind(c, &req) {
		return
	}
	user, err := h.userSvc.Login(req.Email, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			metrics.LoginAttemptsTotal.WithLabelValues("failure").Inc()
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		log.Error().Err(err).Msg("issue token")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	metrics.LoginAttemptsTotal.WithLabelValues("success").Inc()
	at, err := auth.GenerateAccessToken(user.ID, h.cfg.JWTSecret, h.cfg.AccessTokenTTLMinutes)
	if err != nil {
		log.Error().Err(err).Uint("user_id", user.ID).Msg("generate access token")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"access_token": at,
		"token_type":   "Bearer",
		"expires_in":   h.cfg.AccessTokenTTLMinutes * 60,
		"user":         gin.H{"id": user.ID, "username": user.Username},
	})
}

// Home 首页：按 q 搜索房间，附带话题侧栏和最近动态。
func (h *Handler) Home(c *gin.Context) {
	home, err := h.roomSvc.Home(c.Query("q"))
	if err != nil {
		fail(c, "home", nil, err, "home")
		return
	}
	render(c, http.StatusOK, "home", gin.H{
		"q":               home.Query,
		"rooms":           home.Rooms,
		"room_count":      home.RoomCount,
		"all_room_count":  home.TotalRoomCount,
		"topics":          home.Topics,
		"topics_show_all": home.MoreTopics,
		"room_messages":   home.RecentMessages,
	})
}

func (h *Handler) renderRoom(c *gin.Context, id uint, extra gin.H) {
	detail, err := h.roomSvc.Detail(id)
	if err != nil {
		fail(c, "room", nil, err, "room detail")
		return
	}
	data := gin.H{
		"room":          detail.Room,
		"room_messages": detail.Messages,
		"participants":  detail.Participants,
	}
	for k, v := range extra {
		data[k] = v
	}
	render(c, http.StatusOK, "room", data)
}

func (h *Handler) Room(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	h.renderRoom(c, id, nil)
}

// PostMessage 在房间发消息，成功后回到房间页。
func (h *Handler) PostMessage(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var in service.MessageInput
	if !bind(c, &in) {
		return
	}
	if _, err := h.msgSvc.Post(auth.CurrentActor(c), id, in); err != nil {
		var verr *service.ValidationError
		if errors.As(err, &verr) {
			h.renderRoom(c, id, gin.H{"form": in, "errors": verr.Fields})
			return
		}
		fail(c, "room", in, err, "post message")
		return
	}
	c.Redirect(http.StatusFound, roomPath(id))
}

func (h *Handler) Profile(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	p, err := h.userSvc.Profile(id)
	if err != nil {
		fail(c, "profile", nil, err, "profile")
		return
	}
	render(c, http.StatusOK, "profile", gin.H{
		"user":            p.User,
		"rooms":           p.Rooms,
		"room_messages":   p.Messages,
		"topics":          p.Topics,
		"topics_show_all": p.MoreTopics,
	})
}

func (h *Handler) UpdateUserPage(c *gin.Context) {
	user, err := h.userSvc.Get(auth.CurrentActor(c).UserID)
	if err != nil {
		fail(c, "update-user", nil, err, "update user page")
		return
	}
	render(c, http.StatusOK, "update-user", gin.H{
		"form": gin.H{"name": user.Name, "bio": user.Bio, "avatar": user.Avatar},
	})
}

// UpdateUser 修改当前用户的资料，头像为可选的 multipart 文件。
func (h *Handler) UpdateUser(c *gin.Context) {
	var in service.ProfileInput
	if !bind(c, &in) {
		return
	}
	avatar, err := formFile(c, "avatar")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid upload"})
		return
	}
	actor := auth.CurrentActor(c)
	if _, err := h.userSvc.UpdateProfile(actor, in, avatar); err != nil {
		fail(c, "update-user", in, err, "update user")
		return
	}
	c.Redirect(http.StatusFound, profilePath(actor.UserID))
}

// formFile 返回可选的上传文件；没有文件或不是 multipart 请求时返回 nil。
func formFile(c *gin.Context, field string) (*multipart.FileHeader, error) {
	fh, err := c.FormFile(field)
	if errors.Is(err, http.ErrMissingFile) || errors.Is(err, http.ErrNotMultipart) {
		return nil, nil
	}
	return fh, err
}

func (h *Handler) roomForm(c *gin.Context, form service.RoomInput, errs map[string]string) {
	topics, err := h.topicSvc.List("")
	if err != nil {
		fail(c, "room-form", nil, err, "room form topics")
		return
	}
	data := gin.H{"form": form, "topics": topics}
	if errs != nil {
		data["errors"] = errs
	}
	render(c, http.StatusOK, "room-form", data)
}

func (h *Handler) CreateRoomPage(c *gin.Context) {
	h.roomForm(c, service.RoomInput{}, nil)
}

// CreateRoom 以当前用户为 host 创建房间。
func (h *Handler) CreateRoom(c *gin.Context) {
	var in service.RoomInput
	if !bind(c, &in) {
		return
	}
	if _, err := h.roomSvc.Create(auth.CurrentActor(c), in); err != nil {
		var verr *service.ValidationError
		if errors.As(err, &verr) {
			h.roomForm(c, in, verr.Fields)
			return
		}
		fail(c, "room-form", in, err, "create room")
		return
	}
	c.Redirect(http.StatusFound, "/")
}

func (h *Handler) UpdateRoomPage(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	room, err := h.roomSvc.Editable(auth.CurrentActor(c), id)
	if err != nil {
		fail(c, "room-form", nil, err, "update room page")
		return
	}
	h.roomForm(c, service.RoomInput{Topic: room.Topic.Name, Name: room.Name, Description: room.Description}, nil)
}

// UpdateRoom 只允许 host 修改房间。
func (h *Handler) UpdateRoom(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var in service.RoomInput
	if !bind(c, &in) {
		return
	}
	if _, err := h.roomSvc.Update(auth.CurrentActor(c), id, in); err != nil {
		var verr *service.ValidationError
		if errors.As(err, &verr) {
			h.roomForm(c, in, verr.Fields)
			return
		}
		fail(c, "room-form", in, err, "update room")
		return
	}
	c.Redirect(http.StatusFound, "/")
}

func (h *Handler) DeleteRoomPage(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	room, err := h.roomSvc.Editable(auth.CurrentActor(c), id)
	if err != nil {
		fail(c, "delete", nil, err, "delete room page")
		return
	}
	render(c, http.StatusOK, "delete", gin.H{"obj": room})
}

// DeleteRoom 删除房间及其消息，只有 host 可以执行。
func (h *Handler) DeleteRoom(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.roomSvc.Delete(auth.CurrentActor(c), id); err != nil {
		fail(c, "delete", nil, err, "delete room")
		return
	}
	c.Redirect(http.StatusFound, "/")
}

func (h *Handler) UpdateMessagePage(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	msg, err := h.msgSvc.Editable(auth.CurrentActor(c), id)
	if err != nil {
		fail(c, "message-form", nil, err, "update message page")
		return
	}
	render(c, http.StatusOK, "message-form", gin.H{"form": service.MessageInput{Body: msg.Body}, "obj": msg})
}

// UpdateMessage 只允许作者修改消息，成功后回到所在房间。
func (h *Handler) UpdateMessage(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var in service.MessageInput
	if !bind(c, &in) {
		return
	}
	msg, err := h.msgSvc.Update(auth.CurrentActor(c), id, in)
	if err != nil {
		fail(c, "message-form", in, err, "update message")
		return
	}
	c.Redirect(http.StatusFound, roomPath(msg.RoomID))
}

func (h *Handler) DeleteMessagePage(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	msg, err := h.msgSvc.Editable(auth.CurrentActor(c), id)
	if err != nil {
		fail(c, "delete", nil, err, "delete message page")
		return
	}
	render(c, http.StatusOK, "delete", gin.H{"obj": msg})
}

// DeleteMessage 返回一个删除消息的 handler，删除后跳转到 dest 给出的地址。
func (h *Handler) DeleteMessage(dest func(roomID uint) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathID(c)
		if !ok {
			return
		}
		msg, err := h.msgSvc.Delete(auth.CurrentActor(c), id)
		if err != nil {
			fail(c, "delete", nil, err, "delete message")
			return
		}
		c.Redirect(http.StatusFound, dest(msg.RoomID))
	}
}

func (h *Handler) Topics(c *gin.Context) {
	q := c.Query("q")
	topics, err := h.topicSvc.List(q)
	if err != nil {
		fail(c, "topics", nil, err, "list topics")
		return
	}
	render(c, http.StatusOK, "topics", gin.H{"q": q, "topics": topics})
}

func (h *Handler) Activity(c *gin.Context) {
	msgs, err := h.msgSvc.Activity()
	if err != nil {
		fail(c, "activity", nil, err, "activity")
		return
	}
	render(c, http.StatusOK, "activity", gin.H{"room_messages": msgs})
}
