//go:build e2e

package workertest

import (
	"context"
	"fmt"
	"net"
	"time"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/nat"
)

// stageScript is a minimal stdlib-only HTTP server standing in for a real
// PREP/OCR stage worker: it accepts a submission, writes a heartbeat file on
// an interval, and after delaySeconds reports DONE with an artifact path
// derived from the job's workDir.
const stageScript = `
import http.server, json, os, threading, time, sys

DELAY = float(os.environ.get("FAKE_DELAY_SECONDS", "1"))
KIND = os.environ.get("FAKE_KIND", "prep")
jobs = {}
lock = threading.Lock()

def heartbeat_loop(job_id, work_dir):
    path = os.path.join(work_dir, KIND + ".heartbeat")
    while True:
        with lock:
            if jobs.get(job_id, {}).get("state") not in ("QUEUED", "RUNNING"):
                return
        try:
            with open(path, "w") as f:
                f.write(str(time.time()))
        except OSError:
            pass
        time.sleep(0.5)

def finish_loop(job_id, work_dir):
    time.sleep(DELAY)
    with lock:
        job = jobs[job_id]
        if KIND == "prep":
            raw = os.path.join(work_dir, "raw.pdf")
            with open(raw, "wb") as f:
                f.write(b"%PDF-1.4 fake raw\n" + b"0" * 2048)
            job["artifacts"] = {"rawPdf": raw}
        else:
            final = os.path.join(work_dir, "final.pdf")
            with open(final, "wb") as f:
                f.write(b"%PDF-1.4 fake final\n" + b"0" * 2048)
            job["artifacts"] = {"finalPdf": final}
        job["state"] = "DONE"

class Handler(http.server.BaseHTTPRequestHandler):
    def _json(self, status, body):
        raw = json.dumps(body).encode()
        self.send_response(status)
        self.send_header("Content-Type", "application/json")
        self.send_header("Content-Length", str(len(raw)))
        self.end_headers()
        self.wfile.write(raw)

    def do_GET(self):
        if self.path == "/info":
            self._json(200, {"service": KIND, "versions": {"fake-" + KIND: "1.0"}})
            return
        if self.path.startswith("/jobs/"):
            job_id = self.path[len("/jobs/"):]
            with lock:
                job = jobs.get(job_id)
            if job is None:
                self._json(404, {"error": "not found"})
                return
            self._json(200, {k: v for k, v in job.items() if k != "workDir"})
            return
        self._json(404, {"error": "not found"})

    def do_POST(self):
        length = int(self.headers.get("Content-Length", "0"))
        raw = self.rfile.read(length)
        body = json.loads(raw) if raw else {}
        job_id = body.get("jobId")
        work_dir = body.get("workDir")
        with lock:
            jobs[job_id] = {"state": "RUNNING", "workDir": work_dir}
        threading.Thread(target=heartbeat_loop, args=(job_id, work_dir), daemon=True).start()
        threading.Thread(target=finish_loop, args=(job_id, work_dir), daemon=True).start()
        self._json(202, {"accepted": True})

    def log_message(self, *args):
        pass

http.server.ThreadingHTTPServer(("0.0.0.0", 8080), Handler).serve_forever()
`

// FakeWorker is one running stage-worker stand-in, reachable at BaseURL and
// sharing hostWorkDir with the orchestrator under test.
type FakeWorker struct {
	BaseURL   string
	container *Container
}

// StartFakeWorker launches a container running stageScript, binding
// hostWorkDir into the container at the same path so heartbeat and artifact
// files are visible to both sides, and publishing its HTTP port on the host.
func StartFakeWorker(ctx context.Context, kind string, hostWorkDir string, hostPort int, delaySeconds float64) (*FakeWorker, error) {
	portSpec := nat.Port("8080/tcp")
	cfg := &dockercontainer.Config{
		Image: "python:3-alpine",
		Cmd:   []string{"python3", "-c", stageScript},
		Env: []string{
			fmt.Sprintf("FAKE_KIND=%s", kind),
			fmt.Sprintf("FAKE_DELAY_SECONDS=%g", delaySeconds),
		},
		ExposedPorts: nat.PortSet{portSpec: struct{}{}},
	}
	hostCfg := &dockercontainer.HostConfig{
		Binds: []string{hostWorkDir + ":" + hostWorkDir},
		PortBindings: nat.PortMap{
			portSpec: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: fmt.Sprintf("%d", hostPort)}},
		},
	}

	c, err := NewContainer(ctx, cfg, hostCfg)
	if err != nil {
		return nil, err
	}

	w := &FakeWorker{BaseURL: fmt.Sprintf("http://127.0.0.1:%d", hostPort), container: c}
	if err := w.waitReady(ctx); err != nil {
		c.Close(ctx)
		return nil, err
	}
	return w, nil
}

func (w *FakeWorker) waitReady(ctx context.Context) error {
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", w.BaseURL[len("http://"):], 500*time.Millisecond)
		if err == nil {
			conn.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
	return fmt.Errorf("fake worker at %s never became reachable", w.BaseURL)
}

// Close stops the fake worker's container.
func (w *FakeWorker) Close(ctx context.Context) error {
	return w.container.Close(ctx)
}
