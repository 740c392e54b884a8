package db

// Connection is a user-defined engine connection.
type Connection struct {
	ID           string `gorm:"column:id;primaryKey"`
	Name         string `gorm:"column:name;not null;default:''"`
	Label        string `gorm:"column:label;not null;default:''"`
	Description  string `gorm:"column:description;not null;default:''"`
	Runtime      string `gorm:"column:runtime;not null;default:''"`
	Engine       string `gorm:"column:engine;not null;default:''"`
	Disabled     bool   `gorm:"column:disabled;not null;default:false"`
	Readonly     bool   `gorm:"column:readonly;not null;default:false"`
	SettingsJSON string `gorm:"column:settings_json;not null;default:'{}'"`
	CreatedAt    int64  `gorm:"column:created_at;not null;default:0"`
	UpdatedAt    int64  `gorm:"column:updated_at;not null;default:0"`
}

func (Connection) TableName() string { return "connections" }

type Config struct {
	Key       string `gorm:"column:key;primaryKey"`
	Value     string `gorm:"column:value;not null;default:''"`
	UpdatedAt int64  `gorm:"column:updated_at;not null;default:0"`
}

func (Config) TableName() string { return "config" }
