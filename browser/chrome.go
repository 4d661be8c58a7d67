package browser

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

const dockerContainerName = "episode-harvester-chrome"

// findChromeExecutable attempts to locate the Chrome executable on the system.
// An explicit path wins over every other location.
func findChromeExecutable(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("configured chrome path %s: %w", explicit, err)
		}
		return explicit, nil
	}

	// Check for environment variable first
	if envPath := os.Getenv("CHROME_PATH"); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath, nil
		}
	}

	// Common locations based on OS
	var paths []string
	switch runtime.GOOS {
	case "darwin":
		paths = []string{
			"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
			"/Applications/Google Chrome Canary.app/Contents/MacOS/Google Chrome Canary",
			"/Applications/Chromium.app/Contents/MacOS/Chromium",
		}
	case "windows":
		paths = []string{
			filepath.Join(os.Getenv("ProgramFiles"), "Google/Chrome/Application/chrome.exe"),
			filepath.Join(os.Getenv("ProgramFiles(x86)"), "Google/Chrome/Application/chrome.exe"),
			filepath.Join(os.Getenv("LocalAppData"), "Google/Chrome/Application/chrome.exe"),
		}
	case "linux":
		paths = []string{
			"/usr/bin/google-chrome",
			"/usr/bin/chromium",
			"/usr/bin/chromium-browser",
			"/snap/bin/chromium",
		}
	}
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	// Try finding in PATH
	for _, name := range []string{"google-chrome", "chromium", "chromium-browser"} {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("could not find Chrome executable")
}

// startDockerChrome starts a headless Chrome container if not already running
// and returns its DevTools endpoint
func startDockerChrome(logger *slog.Logger) (string, error) {
	// Check if docker is installed
	if _, err := exec.LookPath("docker"); err != nil {
		return "", fmt.Errorf("docker not installed: %w", err)
	}

	cmd := exec.Command("docker", "ps", "-q", "-f", "name="+dockerContainerName, "-f", "status=running")
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("failed to check for running chrome container: %w", err)
	}

	if len(output) > 0 {
		logger.Info("using existing Chrome container", "name", dockerContainerName)
		return "http://localhost:9222", nil
	}

	logger.Info("starting Chrome container", "name", dockerContainerName)
	cmd = exec.Command("docker", "run", "-d", "--rm", "--name", dockerContainerName, "-p", "9222:9222", "browserless/chrome")
	if output, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("failed to start chrome container: %w, output: %s", err, string(output))
	}

	// Wait for container to be ready
	time.Sleep(3 * time.Second)
	maxRetries := 5
	for i := 0; i < maxRetries; i++ {
		cmd = exec.Command("curl", "-s", "http://localhost:9222/json/version")
		if output, err := cmd.CombinedOutput(); err == nil && strings.Contains(string(output), "webSocketDebuggerUrl") {
			logger.Info("Chrome container is ready")
			return "http://localhost:9222", nil
		}
		time.Sleep(1 * time.Second)
	}

	return "", fmt.Errorf("chrome container started but not responding")
}

// StopDockerChrome stops the Chrome container if one was started
func StopDockerChrome(logger *slog.Logger) {
	if _, err := exec.LookPath("docker"); err != nil {
		return
	}

	cmd := exec.Command("docker", "ps", "-q", "-f", "name="+dockerContainerName, "-f", "status=running")
	output, err := cmd.Output()
	if err != nil || len(output) == 0 {
		return
	}

	logger.Info("stopping Chrome container", "name", dockerContainerName)
	if err := exec.Command("docker", "stop", dockerContainerName).Run(); err != nil {
		logger.Warn("failed to stop Chrome container", "err", err)
	}
}
