package snapshot

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spotnest/spotnest/internal/models"
	"github.com/spotnest/spotnest/internal/sshx"
	"github.com/spotnest/spotnest/internal/storage"
)

var (
	gpuEp = models.Endpoint{Host: "gpu-1", Port: 22, User: "root"}
	cpuEp = models.Endpoint{Host: "cpu-1", Port: 22, User: "root"}
)

func newTestEngine(t *testing.T, store storage.ObjectStore, runner sshx.Runner, maxChain int) *Engine {
	t.Helper()
	e, err := NewEngine(store, runner, Options{
		Codec:       "lz4",
		Transport:   TransportRelay,
		Parallelism: 4,
		Excludes:    []string{".git", "__pycache__"},
		MaxChain:    maxChain,
	})
	require.NoError(t, err)
	return e
}

func seedWorkspace(runner *sshx.FakeRunner) {
	runner.PutFile("gpu-1", "/workspace/train.py", []byte("print('hello')\n"), 1700000100, 0644)
	runner.PutFile("gpu-1", "/workspace/data/set.csv", []byte("a,b,c\n1,2,3\n"), 1700000200, 0644)
	runner.PutFile("gpu-1", "/workspace/run.sh", []byte("#!/bin/sh\npython train.py\n"), 1700000300, 0755)
	runner.PutFile("gpu-1", "/workspace/.git/HEAD", []byte("ref: refs/heads/main\n"), 1700000000, 0644)
}

func TestCreateFullAndRestore(t *testing.T) {
	store := storage.NewMemoryStore()
	runner := sshx.NewFakeRunner()
	seedWorkspace(runner)
	e := newTestEngine(t, store, runner, 12)

	snap, err := e.CreateFull(context.Background(), gpuEp, "inst-1", "/workspace")
	require.NoError(t, err)
	assert.Equal(t, models.SnapshotBase, snap.Kind)
	assert.Equal(t, 3, snap.FileCount, "excluded .git must not be captured")
	assert.Equal(t, 3, snap.BlobsUploaded)
	assert.Greater(t, snap.BytesStored, int64(0))

	exists, err := store.Exists(context.Background(), ManifestKey(snap.ID))
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, e.Restore(context.Background(), snap.ID, cpuEp, "/workspace"))

	got := runner.File("cpu-1", "/workspace/train.py")
	require.NotNil(t, got)
	assert.Equal(t, "print('hello')\n", string(got.Data))
	assert.Equal(t, int64(1700000100), got.Mtime, "restore must preserve mtimes")

	got = runner.File("cpu-1", "/workspace/data/set.csv")
	require.NotNil(t, got)
	assert.Equal(t, "a,b,c\n1,2,3\n", string(got.Data))

	assert.Nil(t, runner.File("cpu-1", "/workspace/.git/HEAD"))

	require.NoError(t, e.Validate(context.Background(), snap.ID, cpuEp, "/workspace"))
}

func TestIncrementalUploadsOnlyChangedFiles(t *testing.T) {
	store := storage.NewMemoryStore()
	runner := sshx.NewFakeRunner()
	seedWorkspace(runner)
	e := newTestEngine(t, store, runner, 12)

	base, err := e.CreateFull(context.Background(), gpuEp, "inst-1", "/workspace")
	require.NoError(t, err)

	runner.PutFile("gpu-1", "/workspace/train.py", []byte("print('world')\n"), 1700000500, 0644)
	runner.PutFile("gpu-1", "/workspace/model.pt", []byte("weights"), 1700000600, 0644)

	inc, err := e.CreateIncremental(context.Background(), gpuEp, "inst-1", "/workspace", base.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SnapshotIncremental, inc.Kind)
	assert.Equal(t, base.ID, inc.ParentID)
	assert.Equal(t, 4, inc.FileCount, "manifest lists all files")
	assert.Equal(t, 2, inc.BlobsUploaded, "only changed and new files are uploaded")

	// Changed blobs live under the incremental's prefix, unchanged ones
	// stay with the base.
	for rel, want := range map[string]string{
		"train.py":     inc.ID,
		"model.pt":     inc.ID,
		"run.sh":       base.ID,
		"data/set.csv": base.ID,
	} {
		exists, err := store.Exists(context.Background(), BlobKey(want, PathHash(rel)))
		require.NoError(t, err)
		assert.True(t, exists, "blob for %s should be owned by %s", rel, want)
	}

	require.NoError(t, e.Restore(context.Background(), inc.ID, cpuEp, "/workspace"))
	assert.Equal(t, "print('world')\n", string(runner.File("cpu-1", "/workspace/train.py").Data))
	assert.Equal(t, "weights", string(runner.File("cpu-1", "/workspace/model.pt").Data))
	assert.Equal(t, "a,b,c\n1,2,3\n", string(runner.File("cpu-1", "/workspace/data/set.csv").Data))
}

func TestIncrementalNoChangesUploadsNothing(t *testing.T) {
	store := storage.NewMemoryStore()
	runner := sshx.NewFakeRunner()
	seedWorkspace(runner)
	e := newTestEngine(t, store, runner, 12)

	base, err := e.CreateFull(context.Background(), gpuEp, "inst-1", "/workspace")
	require.NoError(t, err)

	inc, err := e.CreateIncremental(context.Background(), gpuEp, "inst-1", "/workspace", base.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, inc.BlobsUploaded)
	assert.Equal(t, int64(0), inc.BytesStored)
	assert.Equal(t, 3, inc.FileCount)
}

func TestRestoreDeepChain(t *testing.T) {
	store := storage.NewMemoryStore()
	runner := sshx.NewFakeRunner()
	seedWorkspace(runner)
	e := newTestEngine(t, store, runner, 12)

	head, err := e.CreateFull(context.Background(), gpuEp, "inst-1", "/workspace")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		runner.PutFile("gpu-1", "/workspace/train.py",
			[]byte(fmt.Sprintf("rev %d\n", i)), int64(1700001000+i), 0644)
		next, err := e.CreateIncremental(context.Background(), gpuEp, "inst-1", "/workspace", head.ID)
		require.NoError(t, err)
		head = next
	}

	length, err := e.ChainLength(context.Background(), head.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, length)

	require.NoError(t, e.Restore(context.Background(), head.ID, cpuEp, "/workspace"))
	assert.Equal(t, "rev 2\n", string(runner.File("cpu-1", "/workspace/train.py").Data))
	assert.Equal(t, "#!/bin/sh\npython train.py\n", string(runner.File("cpu-1", "/workspace/run.sh").Data))
}

func TestCreateAutoPromotesLongChains(t *testing.T) {
	store := storage.NewMemoryStore()
	runner := sshx.NewFakeRunner()
	seedWorkspace(runner)
	e := newTestEngine(t, store, runner, 2)

	base, err := e.CreateAuto(context.Background(), gpuEp, "inst-1", "/workspace", "")
	require.NoError(t, err)
	assert.Equal(t, models.SnapshotBase, base.Kind)

	inc, err := e.CreateAuto(context.Background(), gpuEp, "inst-1", "/workspace", base.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SnapshotIncremental, inc.Kind)

	promoted, err := e.CreateAuto(context.Background(), gpuEp, "inst-1", "/workspace", inc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SnapshotBase, promoted.Kind)
	assert.Empty(t, promoted.ParentID)
}

func TestValidateReportsMismatches(t *testing.T) {
	store := storage.NewMemoryStore()
	runner := sshx.NewFakeRunner()
	seedWorkspace(runner)
	e := newTestEngine(t, store, runner, 12)

	snap, err := e.CreateFull(context.Background(), gpuEp, "inst-1", "/workspace")
	require.NoError(t, err)
	require.NoError(t, e.Restore(context.Background(), snap.ID, cpuEp, "/workspace"))

	runner.PutFile("cpu-1", "/workspace/train.py", []byte("tr"), 1700000100, 0644)
	runner.RemoveFile("cpu-1", "/workspace/run.sh")

	err = e.Validate(context.Background(), snap.ID, cpuEp, "/workspace")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Mismatches, 2)
}

func TestRestoreMissingBlobFails(t *testing.T) {
	store := storage.NewMemoryStore()
	runner := sshx.NewFakeRunner()
	seedWorkspace(runner)
	e := newTestEngine(t, store, runner, 12)

	snap, err := e.CreateFull(context.Background(), gpuEp, "inst-1", "/workspace")
	require.NoError(t, err)
	require.NoError(t, store.Delete(context.Background(), BlobKey(snap.ID, PathHash("run.sh"))))

	err = e.Restore(context.Background(), snap.ID, cpuEp, "/workspace")
	var rerr *RestoreError
	require.ErrorAs(t, err, &rerr)
	assert.Contains(t, rerr.Failed, "run.sh")
}

func TestCodecRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("spotnest snapshot payload "), 64)
	for _, name := range []string{"lz4", "zstd", "s2"} {
		t.Run(name, func(t *testing.T) {
			codec, err := CodecFor(name)
			require.NoError(t, err)

			var compressed bytes.Buffer
			w := codec.NewWriter(&compressed)
			_, err = w.Write(payload)
			require.NoError(t, err)
			require.NoError(t, w.Close())

			r, err := codec.NewReader(&compressed)
			require.NoError(t, err)
			var plain bytes.Buffer
			_, err = plain.ReadFrom(r)
			require.NoError(t, err)
			require.NoError(t, r.Close())

			assert.Equal(t, payload, plain.Bytes())
		})
	}

	_, err := CodecFor("gzip")
	assert.Error(t, err)
}

func TestParseFindOutput(t *testing.T) {
	files, err := parseFindOutput("12\t1700000100.5\t0644\ttrain.py\n7\t1700000200.0\t0755\tbin/run.sh\n")
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, int64(12), files["train.py"].Size)
	assert.Equal(t, int64(1700000100), files["train.py"].Mtime)
	assert.Equal(t, uint32(0755), files["bin/run.sh"].Mode)
	assert.Equal(t, PathHash("train.py"), files["train.py"].Blob)

	_, err = parseFindOutput("not a find line\n")
	assert.Error(t, err)
}

func TestWorkerScriptsCarryTimesyncAndCodec(t *testing.T) {
	up := uploadScript("/workspace", "lz4 -q -z -c", 8)
	assert.True(t, strings.Contains(up, "ntpdate"), "remote work must sync clocks first")
	assert.Contains(t, up, "lz4 -q -z -c")
	assert.Contains(t, up, `"/workspace"`)

	down := downloadScript("/workspace", "lz4 -q -d -c", 8)
	assert.Contains(t, down, "ntpdate")
	assert.Contains(t, down, "lz4 -q -d -c")
	assert.Contains(t, down, "touch -m -d")
}

func TestManifestParentIsExplicitNullOnBases(t *testing.T) {
	store := storage.NewMemoryStore()
	runner := sshx.NewFakeRunner()
	seedWorkspace(runner)
	e := newTestEngine(t, store, runner, 12)

	base, err := e.CreateFull(context.Background(), gpuEp, "inst-1", "/workspace")
	require.NoError(t, err)

	var raw bytes.Buffer
	require.NoError(t, store.Get(context.Background(), ManifestKey(base.ID), &raw))
	assert.Contains(t, raw.String(), `"parent_id":null`, "bases carry a null parent on the wire, never an empty string")

	inc, err := e.CreateIncremental(context.Background(), gpuEp, "inst-1", "/workspace", base.ID)
	require.NoError(t, err)

	raw.Reset()
	require.NoError(t, store.Get(context.Background(), ManifestKey(inc.ID), &raw))
	assert.Contains(t, raw.String(), fmt.Sprintf(`"parent_id":%q`, base.ID))
}

func TestRemoteWorkerGetsTransferBudget(t *testing.T) {
	store := storage.NewMemoryStore()
	runner := sshx.NewFakeRunner()
	seedWorkspace(runner)
	runner.Handle = func(ep models.Endpoint, cmd string) (string, bool, error) {
		if !strings.Contains(cmd, "/tmp/.spotnest/worker-") {
			return "", false, nil
		}
		return "OK 10 train.py\nOK 12 data/set.csv\nOK 20 run.sh\n", true, nil
	}

	e, err := NewEngine(store, runner, Options{
		Codec:           "lz4",
		Transport:       TransportRemote,
		Parallelism:     4,
		Excludes:        []string{".git"},
		MaxChain:        12,
		TransferTimeout: 45 * time.Minute,
	})
	require.NoError(t, err)

	snap, err := e.CreateFull(context.Background(), gpuEp, "inst-1", "/workspace")
	require.NoError(t, err)
	assert.Equal(t, int64(42), snap.BytesStored)

	// Only the bulk worker runs under the transfer budget; probes and stat
	// calls keep the runner's per-command timeout.
	assert.Equal(t, []time.Duration{45 * time.Minute}, runner.Timeouts)
}
