package results

// This file contains artifact discovery for the run records stored in history.

import (
	"os"
	"path/filepath"

	"github.com/perfgo/kharness/kmsg"
	"github.com/perfgo/kharness/model"
)

// Artifacts lists the files a run left in dir. logPath is the final location of
// the log artifact as returned by Record, corePath the renamed core dump, either
// may be empty.
func Artifacts(dir, key, logPath, corePath string) []model.Artifact {
	var artifacts []model.Artifact

	add := func(t model.ArtifactType, path string) {
		if path == "" {
			return
		}
		info, err := os.Stat(path)
		if err != nil {
			return
		}
		file, err := filepath.Rel(dir, path)
		if err != nil {
			file = path
		}
		artifacts = append(artifacts, model.Artifact{
			Type: t,
			Size: uint64(info.Size()),
			File: file,
		})
	}

	add(model.ArtifactTypeLog, logPath)
	add(model.ArtifactTypeDmesg, filepath.Join(dir, key+kmsg.CaptureSuffix))
	add(model.ArtifactTypeCore, corePath)

	return artifacts
}

// Artifacts lists the files the run with key left in the test directory.
func (a *Aggregator) Artifacts(key, logPath, corePath string) []model.Artifact {
	return Artifacts(a.dir, key, logPath, corePath)
}
