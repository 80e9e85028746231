package app

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/droidgrity/droidgrity-go/internal/adb"
	"github.com/droidgrity/droidgrity-go/internal/apkinfo"
	"github.com/droidgrity/droidgrity-go/internal/config"
	"github.com/droidgrity/droidgrity-go/internal/toolexec"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func defaultConfig(t *testing.T) *config.Config {
	cfg, err := config.LoadWith(viper.New(), "")
	require.NoError(t, err)
	return cfg
}

func TestMetadataSource(t *testing.T) {
	cfg := defaultConfig(t)
	runner := &toolexec.FakeRunner{}

	tests := []struct {
		mode    string
		want    interface{}
		wantErr bool
	}{
		{mode: "auto", want: &apkinfo.FallbackSource{}},
		{mode: "binary", want: &apkinfo.BinarySource{}},
		{mode: "aapt", want: &apkinfo.AaptSource{}},
		{mode: "magic", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			cfg.Tools.Metadata = tt.mode
			src, err := MetadataSource(cfg, runner, newTestLogger())
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.IsType(t, tt.want, src)
		})
	}
}

func TestNewPipeline(t *testing.T) {
	cfg := defaultConfig(t)
	p, err := NewPipeline(cfg, &toolexec.FakeRunner{}, newTestLogger())
	require.NoError(t, err)
	assert.NotNil(t, p)

	cfg.Inject.ReturnPolicy = "sometimes"
	_, err = NewPipeline(cfg, &toolexec.FakeRunner{}, newTestLogger())
	assert.Error(t, err)
}

// blockingRunner 阻塞直到 ctx 结束
type blockingRunner struct{}

func (blockingRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// TestTimedInstaller 测试安装超时
func TestTimedInstaller(t *testing.T) {
	i := &timedInstaller{
		client:  adb.NewClient("adb", "", blockingRunner{}, newTestLogger()),
		timeout: 20 * time.Millisecond,
	}

	_, err := i.Install(context.Background(), "app.apk")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestExecutorConfig(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.Signing.Keystore = "release.p12"
	cfg.Output.DoNotClean = true

	ec := ExecutorConfig(cfg)
	assert.Equal(t, cfg.Workspace.Dir, ec.Workspace)
	assert.Equal(t, "release.p12", ec.Keystore.Path)
	assert.True(t, ec.KeepArtifacts)
	assert.True(t, ec.VerifySignature)
}
