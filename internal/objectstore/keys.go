package objectstore

import (
	"path"
	"strings"

	"github.com/book-expert/tts-studio/internal/media"
)

const audioKeyPrefix = "audio"

// AudioKey returns the object name for a job's audio. The name depends only on
// its inputs, so the orchestrator and the tracker write the same object for
// the same job.
func AudioKey(projectID, blockID, jobID, contentType string) string {
	return path.Join(audioKeyPrefix, projectID, blockID, jobID+media.Extension(contentType))
}

// AudioProject returns the project an audio object name belongs to. It fails
// for names outside the audio prefix or names that are not clean paths.
func AudioProject(key string) (string, bool) {
	if key == "" || path.Clean(key) != key {
		return "", false
	}

	parts := strings.Split(key, "/")
	if len(parts) != 4 || parts[0] != audioKeyPrefix || parts[1] == "" {
		return "", false
	}

	return parts[1], true
}
