package synchronizer

import (
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/nodesync/nodesync/internal/codec"
	"github.com/nodesync/nodesync/pkg/connection"
	"github.com/nodesync/nodesync/pkg/models"
)

// RequestID derives the pull request id of a stream from the device, the
// stream and its input. The cursor is not part of it: re-issuing a pull for
// the same stream yields the same id, which lets the server recognize a
// duplicate in-flight request.
func RequestID(deviceID models.DeviceID, stream models.Stream, input connection.StreamInput) (string, error) {
	encoded, err := codec.Marshal(input)
	if err != nil {
		return "", err
	}

	d := xxhash.New()
	_, _ = d.WriteString(deviceID.String())
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(string(stream))
	_, _ = d.Write([]byte{0})
	_, _ = d.Write(encoded)
	return strconv.FormatUint(d.Sum64(), 16), nil
}

// StreamKey names the persisted cursor of a workspace stream.
func StreamKey(workspaceID models.WorkspaceID, stream models.Stream) string {
	return string(workspaceID) + ":" + string(stream)
}
