// Package service 代码生成服务：组合实体存储、核心引擎和外部依赖
package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/IoTtalk/DeviceTalk-to-v1/common/database"
	mqttcommon "github.com/IoTtalk/DeviceTalk-to-v1/common/mqtt"
	rediscommon "github.com/IoTtalk/DeviceTalk-to-v1/common/redis"
	"github.com/IoTtalk/DeviceTalk-to-v1/internal/archive"
	"github.com/IoTtalk/DeviceTalk-to-v1/internal/assembly"
	"github.com/IoTtalk/DeviceTalk-to-v1/internal/blobstore"
	"github.com/IoTtalk/DeviceTalk-to-v1/internal/cache"
	"github.com/IoTtalk/DeviceTalk-to-v1/internal/config"
	"github.com/IoTtalk/DeviceTalk-to-v1/internal/consumer"
	"github.com/IoTtalk/DeviceTalk-to-v1/internal/dmclient"
	"github.com/IoTtalk/DeviceTalk-to-v1/internal/library"
	"github.com/IoTtalk/DeviceTalk-to-v1/internal/notify"
	"github.com/IoTtalk/DeviceTalk-to-v1/internal/repository"
)

// Options 服务依赖；Repo 和 Store 必须提供，其余为 nil 时相应功能关闭
type Options struct {
	Repo      Repository
	Store     blobstore.Store
	Lock      BuildLocker
	Skeletons SkeletonCache
	Notifier  BuildNotifier
	DM        DeviceModelFetcher
}

// CodegenService 代码生成服务
type CodegenService struct {
	config    *config.Config
	logger    *zap.Logger
	repo      Repository
	store     blobstore.Store
	lock      BuildLocker
	skeletons SkeletonCache
	notifier  BuildNotifier
	dm        DeviceModelFetcher
	pipeline  *assembly.Pipeline
	importer  *library.Importer

	// 同一进程内同一设备的并发构建合并为一次
	builds singleflight.Group

	consumer *consumer.AssembleConsumer
	enqueue  func(ctx context.Context, deviceID int64) (string, error)
	closers  []func() error
}

// NewCodegenService 用给定依赖创建服务
func NewCodegenService(cfg *config.Config, logger *zap.Logger, opts Options) *CodegenService {
	return &CodegenService{
		config:    cfg,
		logger:    logger,
		repo:      opts.Repo,
		store:     opts.Store,
		lock:      opts.Lock,
		skeletons: opts.Skeletons,
		notifier:  opts.Notifier,
		dm:        opts.DM,
		pipeline:  assembly.NewPipeline(opts.Store, logger),
		importer:  library.NewImporter(opts.Store, logger),
	}
}

// Open 连接数据库、Redis、MQTT 并创建服务
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*CodegenService, error) {
	var closers []func() error
	fail := func(err error) (*CodegenService, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
		return nil, err
	}

	// 初始化数据库
	db, err := database.NewPostgresDB(ctx, &cfg.Database)
	if err != nil {
		return fail(fmt.Errorf("failed to connect to database: %w", err))
	}
	closers = append(closers, func() error { return database.Close(db) })

	repo := repository.NewPostgresRepository(db, logger)
	if err := repo.Migrate(ctx); err != nil {
		return fail(err)
	}

	// 初始化 Redis（构建锁、骨架缓存、请求队列）
	redisClient := rediscommon.NewRedisClient(&cfg.Redis)
	closers = append(closers, func() error { return rediscommon.Close(redisClient) })
	if err := rediscommon.Ping(ctx, redisClient); err != nil {
		return fail(fmt.Errorf("failed to connect to redis: %w", err))
	}
	kv := cache.NewRedisKVStore(redisClient)

	store, err := blobstore.NewFSStore(cfg.Codegen.StorageRoot)
	if err != nil {
		return fail(err)
	}

	// MQTT 可关闭；关闭时事件只记录日志
	var pub notify.Publisher
	if cfg.Codegen.NotifyEnabled {
		mqttClient, err := mqttcommon.NewClient(&cfg.MQTT)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, func() error { mqttClient.Disconnect(); return nil })
		pub = mqttClient
	}

	svc := NewCodegenService(cfg, logger, Options{
		Repo:      repo,
		Store:     store,
		Lock:      cache.NewBuildLock(kv, cfg.Codegen.BuildLockPrefix, seconds(cfg.Codegen.BuildLockTTL), logger),
		Skeletons: cache.NewSkeletonCache(kv, cfg.Codegen.SkeletonCachePrefix, seconds(cfg.Codegen.SkeletonCacheTTL), logger),
		Notifier:  notify.NewNotifier(pub, cfg.Codegen.BuildTopicPrefix, cfg.MQTT.QoS, logger),
		DM:        dmclient.NewClient(cfg.DMClient.BaseURL, seconds(cfg.DMClient.Timeout), logger),
	})
	svc.consumer = consumer.NewAssembleConsumer(
		redisClient,
		svc.handleRequest,
		logger,
		cfg.Codegen.AssembleStream,
		cfg.Codegen.ConsumerGroup,
		cfg.Codegen.ConsumerName,
		int64(cfg.Codegen.BatchSize),
	)
	svc.consumer.SetRetryPolicy(seconds(cfg.Codegen.RetryInterval), cfg.Codegen.MaxAttempts)
	svc.enqueue = func(ctx context.Context, deviceID int64) (string, error) {
		return consumer.Enqueue(ctx, redisClient, cfg.Codegen.AssembleStream, deviceID)
	}
	svc.closers = closers
	return svc, nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Start 启动请求消费，ctx 取消后返回
func (s *CodegenService) Start(ctx context.Context) error {
	if s.consumer == nil {
		return fmt.Errorf("assemble consumer not configured")
	}
	s.logger.Info("Starting codegen service",
		zap.String("stream", s.config.Codegen.AssembleStream),
		zap.String("output_root", s.config.Codegen.OutputRoot),
	)
	return s.consumer.Start(ctx)
}

// Stop 关闭所有连接
func (s *CodegenService) Stop(ctx context.Context) error {
	s.logger.Info("Stopping codegen service")
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// RequestAssembly 将生成请求放入队列
func (s *CodegenService) RequestAssembly(ctx context.Context, deviceID int64) (string, error) {
	if s.enqueue == nil {
		return "", fmt.Errorf("assemble queue not configured")
	}
	return s.enqueue(ctx, deviceID)
}

func (s *CodegenService) handleRequest(ctx context.Context, req consumer.AssembleRequest) error {
	_, err := s.AssembleDevice(ctx, req.DeviceID)
	if errors.Is(err, repository.ErrNotFound) {
		// 设备已被删除，重试没有意义
		s.logger.Warn("Drop assemble request for missing device", zap.Int64("device_id", req.DeviceID))
		return nil
	}
	return err
}

// BuildResult 一次构建的结果
type BuildResult struct {
	DeviceID   int64
	DeviceName string
	OutputDir  string
	Archive    string
	Digest     string
	Written    []string
	Errors     []assembly.AssemblyFileError
	// Excluded 因引用的库不在栈中而未生效的函数
	Excluded []int64
}

// AssembleDevice 生成设备的 SA 代码并打包
func (s *CodegenService) AssembleDevice(ctx context.Context, deviceID int64) (*BuildResult, error) {
	v, err, shared := s.builds.Do(strconv.FormatInt(deviceID, 10), func() (interface{}, error) {
		return s.assemble(ctx, deviceID)
	})
	if shared {
		s.logger.Debug("Joined in-flight build", zap.Int64("device_id", deviceID))
	}
	if err != nil {
		return nil, err
	}
	return v.(*BuildResult), nil
}

func (s *CodegenService) assemble(ctx context.Context, deviceID int64) (*BuildResult, error) {
	if s.lock != nil {
		release, err := s.lock.Acquire(ctx, deviceID)
		if err != nil {
			return nil, err
		}
		defer release()
	}

	device, err := s.repo.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	bf, desc, err := s.loadBasicFile(ctx, device.BasicFileID)
	if err != nil {
		return nil, err
	}

	stack, res, err := s.selectStack(ctx, device.LibraryStack)
	if err != nil {
		return nil, err
	}
	for _, fn := range res.Excluded {
		s.logger.Debug("function excluded, referenced library not in stack",
			zap.Int64("device_id", deviceID),
			zap.Int64("function_id", fn.ID),
			zap.Int64("library_id", fn.LibraryRef.LibraryID),
		)
	}

	// 设备没有自己的变量设置时使用库栈的合并结果
	if len(device.VarSetup.Content) == 0 {
		device.VarSetup = res.VarSetup
	}
	device.FunctionIDs = res.FunctionIDs()
	if err := s.repo.SaveDeviceSelection(ctx, device.ID, device.FunctionIDs, device.VarSetup); err != nil {
		return nil, err
	}

	req := assembly.Request{
		Device:     device,
		Descriptor: desc,
		BasicFiles: bf.Files,
		OutputRoot: s.config.Codegen.OutputRoot,
	}
	dl, err := s.saveDeviceLibrary(ctx, req, bf, stack, res.ActiveFunctions)
	if err != nil {
		return nil, err
	}

	req.LibraryFiles, err = s.repo.ListLibraryFiles(ctx, dl.Dependencies)
	if err != nil {
		return nil, err
	}
	req.LibraryFiles = append(req.LibraryFiles, dl.Files)

	report, err := s.pipeline.Assemble(ctx, req)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(s.config.Codegen.ArchiveRoot, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create archive dir: %w", err)
	}
	archivePath := filepath.Join(s.config.Codegen.ArchiveRoot, device.Name+".zip")
	digest, err := archive.Zip(report.OutputDir, archivePath)
	if err != nil {
		return nil, err
	}

	result := &BuildResult{
		DeviceID:   device.ID,
		DeviceName: device.Name,
		OutputDir:  report.OutputDir,
		Archive:    archivePath,
		Digest:     digest,
		Written:    report.Written,
		Errors:     report.Errors,
	}
	for _, fn := range res.Excluded {
		result.Excluded = append(result.Excluded, fn.ID)
	}

	s.logger.Info("Device assembled",
		zap.Int64("device_id", device.ID),
		zap.String("device", device.Name),
		zap.String("archive", archivePath),
		zap.String("digest", digest),
		zap.Int("written", len(report.Written)),
		zap.Int("errors", len(report.Errors)),
	)
	s.publish(result)
	return result, nil
}

func (s *CodegenService) publish(r *BuildResult) {
	if s.notifier == nil {
		return
	}
	ev := notify.BuildEvent{
		DeviceID:   r.DeviceID,
		DeviceName: r.DeviceName,
		Archive:    r.Archive,
		Digest:     r.Digest,
		Written:    len(r.Written),
	}
	for _, e := range r.Errors {
		fe := notify.FileError{Path: e.Path, Op: e.Op}
		if e.Err != nil {
			fe.Error = e.Err.Error()
		}
		ev.Errors = append(ev.Errors, fe)
	}
	if err := s.notifier.PublishBuild(ev); err != nil {
		s.logger.Warn("Failed to publish build event", zap.Int64("device_id", r.DeviceID), zap.Error(err))
	}
}
