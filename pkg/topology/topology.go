package topology

import (
	"fmt"
	"sort"
	"time"

	"github.com/ethpandaops/testcontroller/pkg/config"
	"github.com/sirupsen/logrus"
)

// Credentials are optional login credentials for a machine.
type Credentials struct {
	Username string
	Password string
}

// Machine is a configured execution target. It is read-only once built.
type Machine struct {
	Hostname         string
	Timeout          time.Duration
	WorkingDirectory string
	OutputPath       string
	RunnerPath       string
	Credentials      *Credentials
	Environment      map[string]string
}

// EnvironmentList returns the environment overrides as sorted KEY=VALUE pairs.
func (m Machine) EnvironmentList() []string {
	keys := make([]string, 0, len(m.Environment))
	for k := range m.Environment {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+m.Environment[k])
	}

	return env
}

// Platform is a group of machines sharing OS and CPU characteristics.
type Platform struct {
	OS       string
	Version  string
	CPU      string
	Machines []Machine
}

// String returns a short description used in logs.
func (p Platform) String() string {
	return fmt.Sprintf("%s %s (%s)", p.OS, p.Version, p.CPU)
}

// Build creates the platforms declared in the configuration, filling every
// machine from the defaults section where it leaves attributes unset.
func Build(cfg *config.Config) ([]Platform, error) {
	platforms := make([]Platform, 0, len(cfg.Platforms))

	for i, pc := range cfg.Platforms {
		platform := Platform{
			OS:       pc.OS,
			Version:  pc.Version,
			CPU:      pc.CPU,
			Machines: make([]Machine, 0, len(pc.Computers)),
		}

		for j, cc := range pc.Computers {
			merged := cfg.MergeComputer(cc)

			if merged.Hostname == "" {
				return nil, fmt.Errorf("platform %d computer %d: hostname is required", i, j)
			}

			if merged.Timeout <= 0 {
				return nil, fmt.Errorf("computer %q: timeout must be positive", merged.Hostname)
			}

			platform.Machines = append(platform.Machines, newMachine(merged))
		}

		platforms = append(platforms, platform)
	}

	return platforms, nil
}

func newMachine(cc config.ComputerConfig) Machine {
	m := Machine{
		Hostname:         cc.Hostname,
		Timeout:          time.Duration(cc.Timeout) * time.Second,
		WorkingDirectory: cc.WorkingDir,
		OutputPath:       cc.OutputPath,
		RunnerPath:       cc.Runner,
		Environment:      make(map[string]string, len(cc.Env)),
	}

	for k, v := range cc.Env {
		m.Environment[k] = v
	}

	if cc.Credentials != nil && (cc.Credentials.Username != "" || cc.Credentials.Password != "") {
		m.Credentials = &Credentials{
			Username: cc.Credentials.Username,
			Password: cc.Credentials.Password,
		}
	}

	return m
}

// SelectMachines returns the machines to dispatch to according to the
// platform mode. In "first" mode the remaining platforms are ignored with a
// warning.
func SelectMachines(log logrus.FieldLogger, platforms []Platform, mode string) ([]Machine, error) {
	if len(platforms) == 0 {
		return nil, fmt.Errorf("no platforms configured")
	}

	var machines []Machine

	switch mode {
	case config.PlatformModeFirst, "":
		if len(platforms) > 1 {
			log.WithFields(logrus.Fields{
				"platforms": len(platforms),
				"using":     platforms[0].String(),
			}).Warn("Only the first platform is used (set platform_mode: all to use every platform)")
		}

		machines = append(machines, platforms[0].Machines...)
	case config.PlatformModeSingle:
		if len(platforms) > 1 {
			return nil, fmt.Errorf("platform_mode %q allows one platform, found %d",
				mode, len(platforms))
		}

		machines = append(machines, platforms[0].Machines...)
	case config.PlatformModeAll:
		for _, p := range platforms {
			machines = append(machines, p.Machines...)
		}
	default:
		return nil, fmt.Errorf("invalid platform_mode %q", mode)
	}

	if len(machines) == 0 {
		return nil, fmt.Errorf("no machines configured")
	}

	return machines, nil
}
