package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server         ServerConfig
	Milvus         MilvusConfig
	SQLite         SQLiteConfig
	Redis          RedisConfig
	Embedding      EmbeddingConfig
	Recommendation RecommendationConfig
	Catalog        CatalogConfig
	Logging        LoggingConfig
}

type CatalogConfig struct {
	BaseURL    string
	TimeoutSec int
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  int
	WriteTimeout int
	BodyLimit    int
}

type MilvusConfig struct {
	Endpoint       string
	APIKey         string
	UserCollection string
	ItemCollection string
	VectorDim      int
	IndexType      string
	Nlist          int
}

type SQLiteConfig struct {
	Path string
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type EmbeddingConfig struct {
	APIKey     string
	Model      string
	Dimension  int
	TimeoutSec int
}

type RecommendationConfig struct {
	DefaultLimit        int
	MaxLimit            int
	CollaborativeWeight float64
	ContentWeight       float64
	BehaviorWindow      int
	SeedWindow          int
	TrendingWindowDays  int
	CacheTTLSec         int
	MinSimilarity       float64
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/ecom-rec")

	viper.SetEnvPrefix("ECOM_REC")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// The vector dimension is fixed per deployment. Changing it requires a
	// full reindex, so a mismatch between the embedding model and the index
	// is a configuration error, not something to coerce at runtime.
	if config.Embedding.Dimension != config.Milvus.VectorDim {
		return nil, fmt.Errorf("embedding dimension %d does not match milvus vector dimension %d",
			config.Embedding.Dimension, config.Milvus.VectorDim)
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.readTimeout", 30)
	viper.SetDefault("server.writeTimeout", 30)
	viper.SetDefault("server.bodyLimit", 1048576)

	viper.SetDefault("milvus.endpoint", "localhost:19530")
	viper.SetDefault("milvus.userCollection", "user_vectors")
	viper.SetDefault("milvus.itemCollection", "item_vectors")
	viper.SetDefault("milvus.vectorDim", 384)
	viper.SetDefault("milvus.indexType", "IVF_FLAT")
	viper.SetDefault("milvus.nlist", 1024)

	viper.SetDefault("sqlite.path", "./data/behaviors.db")

	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)

	viper.SetDefault("embedding.model", "text-embedding-3-small")
	viper.SetDefault("embedding.dimension", 384)
	viper.SetDefault("embedding.timeoutSec", 15)

	viper.SetDefault("recommendation.defaultLimit", 10)
	viper.SetDefault("recommendation.maxLimit", 50)
	viper.SetDefault("recommendation.collaborativeWeight", 0.6)
	viper.SetDefault("recommendation.contentWeight", 0.4)
	viper.SetDefault("recommendation.behaviorWindow", 200)
	viper.SetDefault("recommendation.seedWindow", 50)
	viper.SetDefault("recommendation.trendingWindowDays", 7)
	viper.SetDefault("recommendation.cacheTTLSec", 3600)
	viper.SetDefault("recommendation.minSimilarity", 0.5)

	viper.SetDefault("catalog.baseURL", "http://localhost:3001")
	viper.SetDefault("catalog.timeoutSec", 5)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.outputPath", "stdout")
}
