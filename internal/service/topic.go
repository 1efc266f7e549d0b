package service

import (
	"strings"

	"roomhub/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TopicPreviewLimit 是首页和个人主页侧栏展示的话题数，其余放进 "show all"。
const TopicPreviewLimit = 5

// likeEscaper 让搜索词里的 LIKE 通配符按字面匹配。
var likeEscaper = strings.NewReplacer("!", "!!", "%", "!%", "_", "!_")

// likePattern 与 SQL LOWER() 配合使用；sqlite 的 LOWER() 只折叠 ASCII 字母。
func likePattern(q string) string {
	return "%" + likeEscaper.Replace(strings.ToLower(q)) + "%"
}

// TopicSummary 是话题及其房间数。
type TopicSummary struct {
	ID        uint   `json:"id"`
	Name      string `json:"name"`
	RoomCount int64  `json:"room_count"`
}

// TopicService 封装话题查询与 get-or-create。
type TopicService struct {
	db *gorm.DB
}

func NewTopicService(db *gorm.DB) *TopicService {
	return &TopicService{db: db}
}

// List 按名称子串（不区分大小写）过滤话题，按创建顺序返回。
func (s *TopicService) List(q string) ([]TopicSummary, error) {
	return listTopics(s.db, q)
}

// GetOrCreate 按名称精确（区分大小写）查找话题，不存在则创建。
func (s *TopicService) GetOrCreate(name string) (*models.Topic, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, invalid("topic", "This field is required.")
	}
	return getOrCreateTopic(s.db, name)
}

func listTopics(db *gorm.DB, q string) ([]TopicSummary, error) {
	query := db.Model(&models.Topic{}).
		Select("topics.id, topics.name, COUNT(rooms.id) AS room_count").
		Joins("LEFT JOIN rooms ON rooms.topic_id = topics.id").
		Group("topics.id, topics.name").
		Order("topics.id")
	if q != "" {
		query = query.Where("LOWER(topics.name) LIKE ? ESCAPE '!'", likePattern(q))
	}
	out := make([]TopicSummary, 0)
	if err := query.Scan(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func splitTopics(topics []TopicSummary, n int) (head, rest []TopicSummary) {
	if len(topics) <= n {
		return topics, []TopicSummary{}
	}
	return topics[:n], topics[n:]
}

// getOrCreateTopic 依赖 topics.name 上的唯一索引：并发插入同名话题时
// ON CONFLICT DO NOTHING 让后到者落空，随后的查询读到同一行。
func getOrCreateTopic(tx *gorm.DB, name string) (*models.Topic, error) {
	topic := models.Topic{Name: name}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&topic).Error; err != nil {
		return nil, err
	}
	var out models.Topic
	if err := tx.Where("name = ?", name).First(&out).Error; err != nil {
		return nil, err
	}
	return &out, nil
}
