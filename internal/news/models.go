package news

import "time"

// Article is a cached headline
type Article struct {
	ID          uint      `gorm:"primarykey" json:"-"`
	Headline    string    `gorm:"not null" json:"headline"`
	URL         string    `gorm:"uniqueIndex" json:"url"`
	Source      string    `json:"source"`
	PublishedAt time.Time `gorm:"index" json:"published_at"`
	FetchedAt   time.Time `json:"fetched_at"`
}

type Headlines struct {
	Articles []Article `json:"articles"`
}
