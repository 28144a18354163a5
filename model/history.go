package model

import "time"

// History represents a single kharness invocation and the outcome of each run.
type History struct {
	// Unique ID for this invocation (16 random bytes, hex encoded)
	ID string `json:"id"`
	// Timestamp when the invocation started
	Timestamp time.Time `json:"timestamp"`
	// Command-line arguments (including command name)
	Args []string `json:"args"`
	// Test directory the binaries were run from
	WorkDir string `json:"workdir"`
	// Exit code of the harness
	ExitCode int `json:"exit_code"`
	// Duration of the whole invocation
	Duration time.Duration `json:"duration"`
	// Git information of the test directory
	Git *Git `json:"git,omitempty"`
	// Target execution environment
	Target *Target `json:"target,omitempty"`
	// Effective configuration
	Config *Config `json:"config,omitempty"`
	// Runs in execution order
	Runs []RunRecord `json:"runs,omitempty"`
	// Test strings flagged by the residue check and confirmed at the end
	MaybeFailed []string `json:"maybe_failed,omitempty"`
}

// Git contains git repository information
type Git struct {
	// Git commit hash at time of execution
	Commit string `json:"commit,omitempty"`
	// Git branch at time of execution
	Branch string `json:"branch,omitempty"`
}

// Target contains information about the host the tests ran on
type Target struct {
	Hostname string `json:"hostname,omitempty"`
	// Kernel release as reported by uname -r
	Kernel string `json:"kernel,omitempty"`
	Arch   string `json:"arch,omitempty"`
	// Whether the kernel log was inspected
	Kmsg bool `json:"kmsg"`
}

// Config is the configuration snapshot stored with a report
type Config struct {
	Devices []string                 `json:"devices,omitempty"`
	Exclude []string                 `json:"exclude,omitempty"`
	Timeout time.Duration            `json:"timeout"`
	TestMap map[string]time.Duration `json:"test_map,omitempty"`
}

// RunRecord is the persisted result of one run
type RunRecord struct {
	Key        string        `json:"key"`
	Test       string        `json:"test"`
	Device     string        `json:"device,omitempty"`
	Outcome    string        `json:"outcome"`
	Reason     string        `json:"reason,omitempty"`
	ExitStatus int           `json:"exit_status"`
	Command    string        `json:"command,omitempty"`
	Duration   time.Duration `json:"duration"`
	Artifacts  []Artifact    `json:"artifacts,omitempty"`
}

// Run returns the run the record describes.
func (r RunRecord) Run() Run {
	return Run{Test: r.Test, Device: r.Device}
}

// ArtifactType identifies the type of artifact
type ArtifactType uint8

const (
	ArtifactTypeLog ArtifactType = iota
	ArtifactTypeDmesg
	ArtifactTypeCore
)

func (t ArtifactType) String() string {
	switch t {
	case ArtifactTypeLog:
		return "log"
	case ArtifactTypeDmesg:
		return "dmesg"
	case ArtifactTypeCore:
		return "core"
	}
	return "unknown"
}

// Artifact represents a file left behind by a run
type Artifact struct {
	Type ArtifactType `json:"type"`
	Size uint64       `json:"size"`
	File string       `json:"file"` // relative to the test directory
}
