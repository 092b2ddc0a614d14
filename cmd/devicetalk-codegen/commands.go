package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/IoTtalk/DeviceTalk-to-v1/internal/models"
	"github.com/IoTtalk/DeviceTalk-to-v1/internal/report"
	"github.com/IoTtalk/DeviceTalk-to-v1/internal/service"
)

var (
	deviceID    int64
	async       bool
	basicFileID int64
	direction   string
	params      []string
	libraryID   int64
	functionID  int64
	libs        string
	xlsxPath    string
	projectID   string
	doID        string
	deviceName  string
	serverURL   string
)

var assembleCmd = &cobra.Command{
	Use:   "assemble",
	Short: "Generate the SA code of a device and zip it",
	RunE: withService(func(ctx context.Context, svc *service.CodegenService, cmd *cobra.Command) error {
		if async {
			id, err := svc.RequestAssembly(ctx, deviceID)
			if err != nil {
				return err
			}
			log.Info("Assemble request queued", zap.Int64("device_id", deviceID), zap.String("message_id", id))
			return nil
		}
		res, err := svc.AssembleDevice(ctx, deviceID)
		if err != nil {
			return err
		}
		return printJSON(cmd, res)
	}),
}

var skeletonCmd = &cobra.Command{
	Use:   "skeleton",
	Short: "Print the skeleton of a new device feature function",
	RunE: withService(func(ctx context.Context, svc *service.CodegenService, cmd *cobra.Command) error {
		dir := models.DfDirection(strings.ToLower(direction))
		if dir != models.DfInput && dir != models.DfOutput {
			return fmt.Errorf("invalid direction %q, want idf or odf", direction)
		}
		content, err := svc.NewFunction(ctx, service.NewFunctionRequest{
			BasicFileID:       basicFileID,
			Direction:         dir,
			Params:            params,
			LibraryID:         libraryID,
			LibraryFunctionID: functionID,
		})
		if err != nil {
			return err
		}
		return printJSON(cmd, content)
	}),
}

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Show the functions a library stack provides",
	Long: `Resolves a library stack (e.g. "L1,D3,L2") and prints the importable library functions.
With --xlsx the full selection (functions, features, catalog, variable setup) is written as a workbook.`,
	RunE: withService(func(ctx context.Context, svc *service.CodegenService, cmd *cobra.Command) error {
		keys, err := models.ParseLibraryKeys(libs)
		if err != nil {
			return err
		}
		res, err := svc.Selection(ctx, keys)
		if err != nil {
			return err
		}
		if xlsxPath == "" {
			return printJSON(cmd, res.Catalog)
		}
		data, err := report.GenerateSelectionReport(res)
		if err != nil {
			return err
		}
		if err := os.WriteFile(xlsxPath, data, 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", xlsxPath, err)
		}
		log.Info("Selection report written", zap.String("path", xlsxPath))
		return nil
	}),
}

var importLibraryCmd = &cobra.Command{
	Use:   "import-library <dir>",
	Short: "Upload a library directory and register its functions",
	Args:  cobra.ExactArgs(1),
	RunE: withService(func(ctx context.Context, svc *service.CodegenService, cmd *cobra.Command) error {
		lib, err := svc.ImportLibrary(ctx, basicFileID, cmd.Flags().Arg(0))
		if err != nil {
			return err
		}
		return printJSON(cmd, map[string]interface{}{
			"id":        lib.ID,
			"name":      lib.Name,
			"functions": len(lib.Functions),
			"files":     len(lib.Files),
		})
	}),
}

var deviceModelCmd = &cobra.Command{
	Use:   "device-model",
	Short: "Fetch a device object from the IoTtalk project service",
	RunE: withService(func(ctx context.Context, svc *service.CodegenService, cmd *cobra.Command) error {
		obj, err := svc.DeviceModel(ctx, projectID, doID)
		if err != nil {
			return err
		}
		return printJSON(cmd, obj)
	}),
}

var registerDeviceCmd = &cobra.Command{
	Use:   "register-device",
	Short: "Create or update a device from a device object",
	RunE: withService(func(ctx context.Context, svc *service.CodegenService, cmd *cobra.Command) error {
		keys, err := models.ParseLibraryKeys(libs)
		if err != nil {
			return err
		}
		device, err := svc.RegisterDevice(ctx, service.DeviceRequest{
			ID:           deviceID,
			Name:         deviceName,
			BasicFileID:  basicFileID,
			ServerURL:    serverURL,
			ProjectID:    projectID,
			DeviceObject: doID,
			LibraryStack: keys,
		})
		if err != nil {
			return err
		}
		return printJSON(cmd, map[string]interface{}{
			"id":            device.ID,
			"name":          device.Name,
			"dm_name":       device.DMName,
			"used_features": device.UsedFeatures,
		})
	}),
}

func addCommands(root *cobra.Command) {
	assembleCmd.Flags().Int64Var(&deviceID, "device", 0, "device ID")
	assembleCmd.Flags().BoolVar(&async, "async", false, "queue the request instead of building in-process")
	_ = assembleCmd.MarkFlagRequired("device")

	skeletonCmd.Flags().Int64Var(&basicFileID, "basic-file", 0, "basic file ID")
	skeletonCmd.Flags().StringVar(&direction, "dir", "idf", "feature direction: idf or odf")
	skeletonCmd.Flags().StringSliceVar(&params, "params", nil, "parameter types, e.g. float,int")
	skeletonCmd.Flags().Int64Var(&libraryID, "library", 0, "library ID (with --function)")
	skeletonCmd.Flags().Int64Var(&functionID, "function", 0, "library function ID")
	_ = skeletonCmd.MarkFlagRequired("basic-file")

	catalogCmd.Flags().StringVar(&libs, "libs", "", "library stack, e.g. L1,D3")
	catalogCmd.Flags().StringVar(&xlsxPath, "xlsx", "", "write the selection report to this workbook")

	importLibraryCmd.Flags().Int64Var(&basicFileID, "basic-file", 0, "basic file ID")
	_ = importLibraryCmd.MarkFlagRequired("basic-file")

	deviceModelCmd.Flags().StringVar(&projectID, "project", "", "project ID")
	deviceModelCmd.Flags().StringVar(&doID, "do", "", "device object ID")

	registerDeviceCmd.Flags().Int64Var(&deviceID, "device", 0, "device ID to update (0 creates a new device)")
	registerDeviceCmd.Flags().StringVar(&deviceName, "name", "", "device name (defaults to the device model name)")
	registerDeviceCmd.Flags().Int64Var(&basicFileID, "basic-file", 0, "basic file ID")
	registerDeviceCmd.Flags().StringVar(&serverURL, "server", "", "IoTtalk server URL")
	registerDeviceCmd.Flags().StringVar(&projectID, "project", "", "project ID")
	registerDeviceCmd.Flags().StringVar(&doID, "do", "", "device object ID")
	registerDeviceCmd.Flags().StringVar(&libs, "libs", "", "library stack, e.g. L1,D3")
	_ = registerDeviceCmd.MarkFlagRequired("basic-file")

	root.AddCommand(assembleCmd, skeletonCmd, catalogCmd, importLibraryCmd, deviceModelCmd, registerDeviceCmd)
}

// withService 为一次性命令打开并关闭服务
func withService(run func(ctx context.Context, svc *service.CodegenService, cmd *cobra.Command) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		svc, err := openService(ctx)
		if err != nil {
			return err
		}
		defer func() {
			if err := svc.Stop(ctx); err != nil {
				log.Warn("Error stopping service", zap.Error(err))
			}
		}()
		return run(ctx, svc, cmd)
	}
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
