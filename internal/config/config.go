package config

import (
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/sirupsen/logrus"
)

// Config 服务端配置
type Config struct {
	HTTPPort string `env:"HTTP_PORT" envDefault:"8080"`

	// BuildVersion 为当前部署的构建标识，客户端据此检测新版本
	BuildVersion string `env:"BUILD_VERSION" envDefault:""`

	DBType     string `env:"DBType" envDefault:"sqlite"`
	DSNURL     string `env:"DSN_URL" envDefault:""`
	DBUser     string `env:"DBUser" envDefault:""`
	DBPassword string `env:"DBPassword" envDefault:""`
	DBAddr     string `env:"DBAddr" envDefault:""`
	DBName     string `env:"DBName" envDefault:"productshot"`
	DBPath     string `env:"DBPath" envDefault:"datas/productshot.db"`
	DBPort     string `env:"DBPort" envDefault:"3306"`

	// 启动时自动创建的管理员账号
	AdminEmail    string `env:"ADMIN_EMAIL"`
	AdminPassword string `env:"ADMIN_PASSWORD"`

	// 新用户默认生成额度
	DefaultQuota int `env:"DEFAULT_QUOTA" envDefault:"20"`
	// 生成任务最长执行时间
	GenerationTimeout time.Duration `env:"GENERATION_TIMEOUT" envDefault:"10m"`

	StorageType          string `env:"STORAGE_TYPE" envDefault:"local"`
	StorageLocalDir      string `env:"STORAGE_LOCAL_DIR" envDefault:"datas/images"`
	StoragePublicBaseURL string `env:"STORAGE_PUBLIC_BASE_URL" envDefault:"/files"`

	// S3 兼容存储配置
	StorageS3Region          string `env:"STORAGE_S3_REGION"`
	StorageS3Bucket          string `env:"STORAGE_S3_BUCKET"`
	StorageS3Prefix          string `env:"STORAGE_S3_PREFIX"`
	StorageS3Endpoint        string `env:"STORAGE_S3_ENDPOINT"`
	StorageS3AccessKeyID     string `env:"STORAGE_S3_ACCESS_KEY_ID"`
	StorageS3SecretAccessKey string `env:"STORAGE_S3_SECRET_ACCESS_KEY"`
	StorageS3SessionToken    string `env:"STORAGE_S3_SESSION_TOKEN"`
	StorageS3ForcePathStyle  bool   `env:"STORAGE_S3_FORCE_PATH_STYLE" envDefault:"false"`

	// 阿里云 OSS 存储配置
	StorageOSSEndpoint        string `env:"STORAGE_OSS_ENDPOINT"`
	StorageOSSBucket          string `env:"STORAGE_OSS_BUCKET"`
	StorageOSSPrefix          string `env:"STORAGE_OSS_PREFIX"`
	StorageOSSAccessKeyID     string `env:"STORAGE_OSS_ACCESS_KEY_ID"`
	StorageOSSAccessKeySecret string `env:"STORAGE_OSS_ACCESS_KEY_SECRET"`

	// 腾讯云 COS 存储配置
	StorageCOSBucketURL string `env:"STORAGE_COS_BUCKET_URL"`
	StorageCOSPrefix    string `env:"STORAGE_COS_PREFIX"`
	StorageCOSSecretID  string `env:"STORAGE_COS_SECRET_ID"`
	StorageCOSSecretKey string `env:"STORAGE_COS_SECRET_KEY"`

	// Cloudflare R2 存储配置
	StorageR2AccountID       string `env:"STORAGE_R2_ACCOUNT_ID"`
	StorageR2Endpoint        string `env:"STORAGE_R2_ENDPOINT"`
	StorageR2Region          string `env:"STORAGE_R2_REGION" envDefault:"auto"`
	StorageR2Bucket          string `env:"STORAGE_R2_BUCKET"`
	StorageR2Prefix          string `env:"STORAGE_R2_PREFIX"`
	StorageR2AccessKeyID     string `env:"STORAGE_R2_ACCESS_KEY_ID"`
	StorageR2SecretAccessKey string `env:"STORAGE_R2_SECRET_ACCESS_KEY"`

	JWTSecret            string `env:"JWT_SECRET" envDefault:"dev-secret-change-me"`
	JWTIssuer            string `env:"JWT_ISSUER" envDefault:"productshot"`
	JWTExpirationMinutes int    `env:"JWT_EXPIRATION_MINUTES" envDefault:"1440"`
}

// ClientConfig 客户端缓存引擎配置
type ClientConfig struct {
	APIBaseURL string `env:"PRODUCTSHOT_API_URL" envDefault:"http://localhost:8080"`
	// Token 为空时从本地 token 文件读取
	Token       string `env:"PRODUCTSHOT_TOKEN"`
	StateDir    string `env:"PRODUCTSHOT_STATE_DIR"`
	LocalDBPath string `env:"PRODUCTSHOT_LOCAL_DB"`

	RequestTimeout  time.Duration `env:"PRODUCTSHOT_REQUEST_TIMEOUT" envDefault:"20s"`
	RequestsPerSec  float64       `env:"PRODUCTSHOT_REQUESTS_PER_SEC" envDefault:"10"`
	RequestBurst    int           `env:"PRODUCTSHOT_REQUEST_BURST" envDefault:"20"`
	ReadRetries     uint64        `env:"PRODUCTSHOT_READ_RETRIES" envDefault:"3"`
	ReadRetryBase   time.Duration `env:"PRODUCTSHOT_READ_RETRY_BASE" envDefault:"250ms"`
	SyncTimeout     time.Duration `env:"PRODUCTSHOT_SYNC_TIMEOUT" envDefault:"60s"`
	FullSyncEvery   time.Duration `env:"PRODUCTSHOT_FULL_SYNC_EVERY" envDefault:"24h"`
	SyncClockSkew   time.Duration `env:"PRODUCTSHOT_SYNC_CLOCK_SKEW" envDefault:"2m"`
	PollInterval    time.Duration `env:"PRODUCTSHOT_POLL_INTERVAL" envDefault:"2s"`
	PollMaxInterval time.Duration `env:"PRODUCTSHOT_POLL_MAX_INTERVAL" envDefault:"30s"`
	PollMaxWait     time.Duration `env:"PRODUCTSHOT_POLL_MAX_WAIT" envDefault:"10m"`

	QuotaLowThreshold int `env:"PRODUCTSHOT_QUOTA_LOW" envDefault:"5"`

	BuildVersion         string        `env:"PRODUCTSHOT_BUILD_VERSION"`
	VersionCheckInterval time.Duration `env:"PRODUCTSHOT_VERSION_CHECK_INTERVAL" envDefault:"5m"`
	AutoApplyUpdate      bool          `env:"PRODUCTSHOT_AUTO_APPLY_UPDATE" envDefault:"false"`

	MetricsAddr string `env:"PRODUCTSHOT_METRICS_ADDR"`
}

func ParseConfig() (Config, error) {
	var conf Config
	if err := env.Parse(&conf); err != nil {
		logrus.WithError(err).Error("env.Parse error")
		return Config{}, err
	}
	logrus.Debugf("%#v\n", conf)
	return conf, nil
}

func ParseClientConfig() (ClientConfig, error) {
	var conf ClientConfig
	if err := env.Parse(&conf); err != nil {
		logrus.WithError(err).Error("env.Parse error")
		return ClientConfig{}, err
	}
	return conf, nil
}
