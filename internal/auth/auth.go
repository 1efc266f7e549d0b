package auth

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"roomhub/internal/authz"
	"roomhub/internal/config"
	"roomhub/internal/models"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const (
	SessionName = "roomhub_session"
	LoginPath   = "/login"

	sessionUserKey = "uid"
	actorKey       = "actor"
)

type Claims struct {
	UserID uint `json:"uid"`
	jwt.RegisteredClaims
}

func HashPassword(pw string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
	return string(b), err
}

func VerifyPassword(hash, pw string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw)) == nil
}

func GenerateAccessToken(userID uint, secret string, ttlMinutes int) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatUint(uint64(userID), 10),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(ttlMinutes) * time.Minute)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func ParseAccessToken(tokenStr, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid token")
}

// Sessions 返回基于签名 cookie 的会话中间件，必须挂在 Middleware 之前。
func Sessions(cfg config.Config) gin.HandlerFunc {
	store := cookie.NewStore([]byte(cfg.SessionSecret))
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   cfg.SessionMaxAgeHours * 3600,
		HttpOnly: true,
		Secure:   cfg.Env == "prod",
		SameSite: http.SameSiteLaxMode,
	})
	return sessions.Sessions(SessionName, store)
}

// StartSession 把用户写入会话，注册和登录成功后调用。
func StartSession(c *gin.Context, userID uint) error {
	s := sessions.Default(c)
	s.Clear()
	s.Set(sessionUserKey, userID)
	return s.Save()
}

// EndSession 无条件清空会话并让 cookie 失效。
func EndSession(c *gin.Context) error {
	s := sessions.Default(c)
	s.Clear()
	s.Options(sessions.Options{Path: "/", MaxAge: -1})
	return s.Save()
}

func sessionUserID(c *gin.Context) uint {
	if id, ok := sessions.Default(c).Get(sessionUserKey).(uint); ok {
		return id
	}
	return 0
}

func bearerUserID(c *gin.Context, secret string) uint {
	header := c.GetHeader("Authorization")
	if header == "" || !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return 0
	}
	claims, err := ParseAccessToken(strings.TrimSpace(header[len("Bearer "):]), secret)
	if err != nil {
		return 0
	}
	return claims.UserID
}

// Middleware 从会话 cookie 或 Bearer token 解析当前用户，每个请求都重新查库，
// 解析结果以 authz.Actor 的形式放进 gin.Context。
func Middleware(cfg config.Config, db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := authz.Anonymous
		uid := sessionUserID(c)
		fromSession := uid != 0
		if !fromSession {
			uid = bearerUserID(c, cfg.JWTSecret)
		}
		if uid != 0 {
			var user models.User
			err := db.Select("id", "username").First(&user, uid).Error
			switch {
			case err == nil:
				actor = authz.Actor{UserID: user.ID, Username: user.Username}
			case errors.Is(err, gorm.ErrRecordNotFound):
				if fromSession {
					_ = EndSession(c)
				}
			default:
				log.Error().Err(err).Uint("user_id", uid).Msg("load session user")
			}
		}
		c.Set(actorKey, actor)
		c.Next()
	}
}

// CurrentActor 返回 Middleware 解析出的身份，未登录时为 authz.Anonymous。
func CurrentActor(c *gin.Context) authz.Actor {
	if v, ok := c.Get(actorKey); ok {
		if a, ok2 := v.(authz.Actor); ok2 {
			return a
		}
	}
	return authz.Anonymous
}

// RequireLogin 对未登录请求重定向到登录页，并带上原始路径作为 next。
func RequireLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if CurrentActor(c).Authenticated() {
			c.Next()
			return
		}
		c.Redirect(http.StatusFound, LoginPath+"?next="+url.QueryEscape(c.Request.URL.RequestURI()))
		c.Abort()
	}
}

// SafeNext 只接受站内路径，避免登录后被重定向到外部站点。
// 含控制字符的值一律拒绝：浏览器会先剔除 tab/换行，"/\t/x" 会变成 "//x"。
func SafeNext(next string) string {
	if next == "" || !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") || strings.HasPrefix(next, "/\\") {
		return "/"
	}
	if strings.IndexFunc(next, func(r rune) bool { return r < 0x20 || r == 0x7f }) >= 0 {
		return "/"
	}
	u, err := url.Parse(next)
	if err != nil || u.Scheme != "" || u.Host != "" || !strings.HasPrefix(u.Path, "/") || strings.HasPrefix(u.Path, "//") {
		return "/"
	}
	return next
}
