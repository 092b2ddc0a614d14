package service

import (
	"context"

	"github.com/IoTtalk/DeviceTalk-to-v1/internal/dmclient"
	"github.com/IoTtalk/DeviceTalk-to-v1/internal/models"
	"github.com/IoTtalk/DeviceTalk-to-v1/internal/notify"
)

// Repository 服务需要的实体存储操作（repository.PostgresRepository 实现了它）
type Repository interface {
	GetBasicFile(ctx context.Context, id int64) (*models.BasicFile, error)
	GetLibrary(ctx context.Context, id int64) (*models.Library, error)
	CreateLibrary(ctx context.Context, lib *models.Library) (int64, error)
	FindDeviceLibrary(ctx context.Context, basicFileID int64, name string, userID *int64) (*models.DeviceLibrary, error)
	SaveDeviceLibrary(ctx context.Context, dl *models.DeviceLibrary) (int64, error)
	LoadStack(ctx context.Context, keys []models.LibraryKey) ([]models.StackEntry, error)
	ListDerivedFunctions(ctx context.Context, libraryFunctionIDs []int64) (map[int64][]*models.SaFunction, error)
	ListLibraryFiles(ctx context.Context, libraryIDs []int64) ([][]models.FileRef, error)
	GetSaFunction(ctx context.Context, id int64) (*models.SaFunction, error)
	CreateSaFunction(ctx context.Context, fn *models.SaFunction) (int64, error)
	SaveSaFunction(ctx context.Context, fn *models.SaFunction) (int64, error)
	GetDevice(ctx context.Context, id int64) (*models.Device, error)
	SaveDevice(ctx context.Context, d *models.Device) (int64, error)
	SaveDeviceSelection(ctx context.Context, deviceID int64, functionIDs []int64, vs models.VarSetupBlock) error
}

// BuildLocker 跨进程的设备构建锁（cache.BuildLock）
type BuildLocker interface {
	Acquire(ctx context.Context, deviceID int64) (release func(), err error)
}

// SkeletonCache 新函数骨架缓存（cache.SkeletonCache）
type SkeletonCache interface {
	Key(parts ...string) string
	GetOrRender(ctx context.Context, key string, render func() models.CodeUnit) models.CodeUnit
}

// BuildNotifier 构建事件发布（notify.Notifier）
type BuildNotifier interface {
	PublishBuild(ev notify.BuildEvent) error
}

// DeviceModelFetcher 设备对象服务（dmclient.Client）
type DeviceModelFetcher interface {
	FetchDeviceObject(ctx context.Context, projectID, doID string) (*dmclient.DeviceObject, error)
}
