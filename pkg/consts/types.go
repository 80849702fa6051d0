package consts

import "time"

// AppMode defines the running mode of Proctor.
type AppMode string

const (
	ModeWatch     AppMode = "watch"      // Keep browsers alive and re-run on file changes
	ModeSingleRun AppMode = "single-run" // Run once, then shut everything down
)

// EngineState defines the lifecycle state of the test server.
type EngineState string

const (
	StatePending   EngineState = "PENDING"
	StateLaunching EngineState = "LAUNCHING" // Browsers spawned, waiting for capture
	StateReady     EngineState = "READY"     // All live browsers captured
	StateRunning   EngineState = "RUNNING"   // Tests executing
	StateStopping  EngineState = "STOPPING"  // Killing browsers
	StateStopped   EngineState = "STOPPED"
)

// Event names shared by the emitter, launchers and the file list.
const (
	EventStart                 = "start"
	EventCaptured              = "captured"
	EventKill                  = "kill"
	EventDone                  = "done"
	EventBrowserProcessFailure = "browser_process_failure"
	EventBrowserRegister       = "browser_register"
	EventBrowserDisconnect     = "browser_disconnect"
	EventBrowserComplete       = "browser_complete"
	EventFileListModified      = "file_list_modified"
	EventRunStart              = "run_start"
	EventRunComplete           = "run_complete"
)

const (
	EnvTempDir      = "PROCTOR_TMPDIR"
	EnvControlSock  = "PROCTOR_CONTROL_SOCK"
	TempDirPrefix   = "proctor-"
	DefaultPort     = 9876
	DefaultHostname = "localhost"

	DefaultCaptureTimeout = 60 * time.Second
	DefaultRetryLimit     = 2
	DefaultKillTimeout    = 2 * time.Second
	DefaultBatchInterval  = time.Duration(0)
	DefaultWatchDelay     = 250 * time.Millisecond
	DefaultPortAttempts   = 10
	DefaultControlTimeout = 5 * time.Second
	DefaultStopTimeout    = 10 * time.Second
)

// Personal.AI order the ending
