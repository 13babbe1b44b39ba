package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v7"

	"razbor.film/model"
	"razbor.film/pkg/utils"
)

// Storage keeps the registry of studied videos and the visit counters.
// Live session state never lands here; it belongs to the in-memory
// session registry for the lifetime of a room.
type Storage interface {
	VideoExist(videoID string) bool
	RegisterVideo(v *model.Video, exp time.Duration) (ID string, err error)
	GetVideo(videoID string) (*model.Video, error)
	UpdateVideo(v *model.Video) error
	IncrVisits() (int64, error)
	GetVisitsByDate(date time.Time) (int64, error)
}

type storage struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) Storage {
	return &storage{rdb: rdb}
}

func (s *storage) RegisterVideo(v *model.Video, exp time.Duration) (string, error) {
	ID := v.ID
	if ID == "" {
		for i := 5; i <= 15; i++ {
			newID := utils.RandString(i)
			if !s.VideoExist(newID) {
				ID = newID
				break
			}
		}
	}

	if ID == "" {
		return "", errors.New("unable to generate an unique ID")
	}

	data := map[string]interface{}{
		"id":         ID,
		"title":      v.Title,
		"source_url": v.SourceURL,
	}

	s.rdb.HSet("video:"+ID, data)
	ok := s.rdb.Expire("video:"+ID, exp).Val()
	if !ok {
		return "", fmt.Errorf("timeout was not set, key '%s' does not exist", ID)
	}
	return ID, nil
}

func (s *storage) GetVideo(videoID string) (*model.Video, error) {
	data := s.rdb.HGetAll("video:" + videoID).Val()
	if len(data) == 0 {
		return nil, fmt.Errorf("video '%s' not found", videoID)
	}

	return &model.Video{
		ID:        data["id"],
		Title:     data["title"],
		SourceURL: data["source_url"],
	}, nil
}

func (s *storage) UpdateVideo(v *model.Video) error {
	if v.ID == "" {
		return fmt.Errorf("invalid video id: %s", v.ID)
	}

	data := map[string]interface{}{
		"title":      v.Title,
		"source_url": v.SourceURL,
	}

	_ = s.rdb.HSet("video:"+v.ID, data).Val()
	return nil
}

func (s *storage) IncrVisits() (int64, error) {
	return s.rdb.Incr("visits:" + time.Now().Format("02.01.06")).Result()
}

func (s *storage) GetVisitsByDate(date time.Time) (int64, error) {
	return s.rdb.Get("visits:" + date.Format("02.01.06")).Int64()
}

func (s *storage) VideoExist(videoID string) bool {
	return s.rdb.Exists("video:"+videoID).Val() == 1
}
