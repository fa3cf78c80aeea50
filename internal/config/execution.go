package config

// ExecutionConfig configures the command layer and the mutation executor.
type ExecutionConfig struct {
	StepTimeout    string `yaml:"step_timeout"`
	ConfirmTimeout string `yaml:"confirm_timeout"`

	// AllowedBinaries is the only set of executables the command layer will run.
	AllowedBinaries []string `yaml:"allowed_binaries"`

	// AllowedEditRoots bounds which files a config-edit playbook may touch.
	AllowedEditRoots []string `yaml:"allowed_edit_roots"`

	// PackageQuery is the argv prefix used to test whether a package is installed;
	// the package name is appended.
	PackageQuery []string `yaml:"package_query"`

	// AllowedEnv lists environment variables passed through to commands.
	AllowedEnv []string `yaml:"allowed_env"`
}

// DefaultExecutionConfig returns the default execution settings.
func DefaultExecutionConfig() ExecutionConfig {
	return ExecutionConfig{
		StepTimeout:    "30s",
		ConfirmTimeout: "2m",
		AllowedBinaries: []string{
			"systemctl", "journalctl", "systemd-analyze", "resolvectl",
			"ip", "nmcli", "ping",
			"pactl", "wpctl", "pacman",
			"btrfs", "findmnt", "df", "lsblk",
			"loginctl", "lspci", "lsmod",
			"cp", "cmp", "true", "false", "test",
		},
		AllowedEditRoots: []string{"/etc"},
		PackageQuery:     []string{"pacman", "-Q"},
		AllowedEnv: []string{
			"PATH", "HOME", "USER", "LANG", "LC_ALL",
			"XDG_RUNTIME_DIR", "DBUS_SESSION_BUS_ADDRESS",
		},
	}
}
