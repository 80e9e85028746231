package apkinfo

import (
	"context"
	"fmt"

	"github.com/shogo82148/androidbinary/apk"
	"github.com/sirupsen/logrus"
)

// BinarySource 直接解析 APK 内的二进制 AndroidManifest.xml
type BinarySource struct {
	logger *logrus.Logger
}

// NewBinarySource 创建二进制清单解析来源
func NewBinarySource(logger *logrus.Logger) *BinarySource {
	return &BinarySource{logger: logger}
}

func (s *BinarySource) Inspect(ctx context.Context, apkPath string) (*Metadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pkg, err := apk.OpenFile(apkPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open apk: %w", err)
	}
	defer pkg.Close()

	manifest := pkg.Manifest()
	packageName, err := manifest.Package.String()
	if err != nil {
		return nil, fmt.Errorf("invalid package attribute: %w", err)
	}
	minSDK, err := manifest.SDK.Min.Int32()
	if err != nil {
		return nil, fmt.Errorf("invalid minSdkVersion: %w", err)
	}
	meta := &Metadata{
		PackageName: packageName,
		MinSDK:      int(minSDK),
	}

	main, err := pkg.MainActivity()
	if err != nil {
		s.logger.WithError(err).Warn("No launcher activity in manifest")
	} else {
		meta.MainActivity = main
	}

	for i, activity := range manifest.App.Activities {
		name, err := activity.Name.String()
		if err != nil {
			return nil, fmt.Errorf("invalid name of activity %d: %w", i, err)
		}
		meta.Activities = append(meta.Activities, name)
	}

	meta.normalize()

	s.logger.WithFields(logrus.Fields{
		"package":       meta.PackageName,
		"min_sdk":       meta.MinSDK,
		"main_activity": meta.MainActivity,
		"activities":    len(meta.Activities),
	}).Info("Package metadata extracted")

	return meta, nil
}
