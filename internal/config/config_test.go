package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("APP_ENV", "")
	t.Setenv("CART_REMOTE_TIMEOUT", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.App.Environment)
	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, 3*time.Second, cfg.Cart.RemoteTimeout)
	assert.Equal(t, 4, cfg.Cart.CheckoutConcurrency)
	assert.Equal(t, "localhost:6379", cfg.GetRedisAddr())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CART_REMOTE_TIMEOUT", "750ms")
	t.Setenv("CHECKOUT_CONCURRENCY", "8")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example,https://b.example")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 750*time.Millisecond, cfg.Cart.RemoteTimeout)
	assert.Equal(t, 8, cfg.Cart.CheckoutConcurrency)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Security.CORSAllowedOrigins)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Server:   ServerConfig{Port: "8080"},
			Database: DatabaseConfig{Host: "db", Name: "cart", User: "cart"},
			Redis:    RedisConfig{Host: "redis"},
			JWT:      JWTConfig{Secret: "0123456789abcdef0123456789abcdef"},
			Cart: CartConfig{
				RemoteTimeout:       time.Second,
				SyncInterval:        time.Second,
				BreakerFailures:     1,
				CheckoutConcurrency: 1,
			},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "short secret", mutate: func(c *Config) { c.JWT.Secret = "short" }, wantErr: "JWT_SECRET"},
		{name: "missing db host", mutate: func(c *Config) { c.Database.Host = "" }, wantErr: "DB_HOST"},
		{name: "missing redis host", mutate: func(c *Config) { c.Redis.Host = "" }, wantErr: "REDIS_HOST"},
		{name: "zero remote timeout", mutate: func(c *Config) { c.Cart.RemoteTimeout = 0 }, wantErr: "CART_REMOTE_TIMEOUT"},
		{name: "zero concurrency", mutate: func(c *Config) { c.Cart.CheckoutConcurrency = 0 }, wantErr: "CHECKOUT_CONCURRENCY"},
		{name: "production without payment keys", mutate: func(c *Config) { c.App.Environment = "production" }, wantErr: "RAZORPAY_KEY_ID"},
		{name: "production with payment keys", mutate: func(c *Config) {
			c.App.Environment = "production"
			c.Payment = PaymentConfig{KeyID: "rzp_live", KeySecret: "secret"}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
