package display

import (
	"context"
	"os"
	"os/exec"
)

// xdpyinfoProber is the default Prober: a display is available if
// xdpyinfo cannot connect to it, and ready once xdpyinfo can.
type xdpyinfoProber struct{}

func (xdpyinfoProber) IsAvailable(ctx context.Context, displayID string) bool {
	return exec.CommandContext(ctx, "xdpyinfo", "-display", displayID).Run() != nil
}

func (xdpyinfoProber) IsReady(ctx context.Context, displayID string) bool {
	return exec.CommandContext(ctx, "xdpyinfo", "-display", displayID).Run() == nil
}

// chainScreenshotter is the default Screenshotter: try scrot, then
// ImageMagick's import, matching the original's capture fallback chain.
type chainScreenshotter struct{}

func (chainScreenshotter) Capture(ctx context.Context, displayID, outputPath string) error {
	scrot := exec.CommandContext(ctx, "scrot", outputPath)
	scrot.Env = withDisplayEnv(os.Environ(), displayID)
	if err := scrot.Run(); err == nil {
		return nil
	}

	importCmd := exec.CommandContext(ctx, "import", "-window", "root", outputPath)
	importCmd.Env = withDisplayEnv(os.Environ(), displayID)
	return importCmd.Run()
}
