package model

import "time"

// Shop 商户信息，热点读走缓存。
type Shop struct {
	ID        int64     `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"size:128;not null" json:"name"`
	TypeID    int64     `gorm:"not null;index" json:"typeId"`
	Images    string    `gorm:"size:1024" json:"images"`
	Area      string    `gorm:"size:128" json:"area"`
	Address   string    `gorm:"size:255" json:"address"`
	X         float64   `json:"x"`
	Y         float64   `json:"y"`
	AvgPrice  int64     `json:"avgPrice"` // 人均，单位分
	Sold      int       `json:"sold"`
	Comments  int       `json:"comments"`
	Score     int       `json:"score"` // 1~5 分，乘 10 保存
	OpenHours string    `gorm:"size:32" json:"openHours"`
	CreatedAt time.Time `json:"createTime"`
	UpdatedAt time.Time `json:"updateTime"`
}

func (Shop) TableName() string { return "tb_shop" }

// ShopType 商户类型，列表整体缓存。
type ShopType struct {
	ID        int64     `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"size:32;not null" json:"name"`
	Icon      string    `gorm:"size:255" json:"icon"`
	Sort      int       `gorm:"not null;default:0" json:"sort"`
	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"-"`
}

func (ShopType) TableName() string { return "tb_shop_type" }
