//go:build e2e

package e2e

import (
	"batch/internal/api"
	"batch/internal/dispatcher"
	"batch/internal/executor/docker"
	"batch/internal/health"
	"batch/internal/job"
	"batch/internal/store"
	"batch/pkg/client"
	"batch/pkg/model"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/gomega"
	corev1 "k8s.io/api/core/v1"
)

const testImage = "alpine:latest"

// getTestURL returns the base URL for e2e tests.
// If E2E_API_URL is set, tests run against that instance.
// Otherwise, a Docker-backed test server is created.
func getTestURL(t *testing.T) string {
	t.Helper()
	if url := os.Getenv("E2E_API_URL"); url != "" {
		t.Logf("Using external API: %s", url)
		return url
	}
	return createTestServer(t, dispatcher.MemoryConfig{BufferSize: 100, Workers: 2})
}

func createTestServer(tb testing.TB, dispatcherCfg dispatcher.MemoryConfig) string {
	tb.Helper()
	ctx := context.Background()

	executor, err := docker.New(ctx, docker.Config{})
	if err != nil {
		tb.Fatalf("Failed to create Docker executor: %v", err)
	}
	st := store.NewMemory()
	eventDispatcher := dispatcher.NewMemory(dispatcherCfg, nil)

	svc := job.NewService(st, executor, eventDispatcher, nil, job.Config{RefreshInterval: time.Second})
	if err := svc.Start(ctx); err != nil {
		tb.Fatalf("Failed to start job service: %v", err)
	}
	healthChecker := health.NewChecker(
		health.Check{Name: "executor", Probe: executor.Ready, Critical: true},
		health.Check{Name: "store", Probe: st.Ping, Critical: true},
	)

	server := httptest.NewServer(api.NewRouter(api.RouterConfig{
		JobService:    svc,
		HealthChecker: healthChecker,
	}))

	tb.Cleanup(func() {
		server.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		svc.Close(ctx)
		// Drain dispatcher so pending callbacks can be delivered
		eventDispatcher.Close(ctx)
		executor.Close()
	})
	return server.URL
}

func newClient(tb testing.TB, baseURL string) *client.Client {
	tb.Helper()
	c, err := client.New(client.Config{URL: baseURL, Token: os.Getenv("E2E_API_TOKEN")})
	if err != nil {
		tb.Fatalf("Failed to create client: %v", err)
	}
	return c
}

// deleteAfter removes the job's container when the test ends.
func deleteAfter(t *testing.T, j *client.Job) {
	t.Cleanup(func() {
		if j.ID() != "" {
			j.Delete(context.Background())
		}
	})
}

func TestAPI_Readyz(t *testing.T) {
	baseURL := getTestURL(t)

	resp, err := http.Get(baseURL + "/readyz")
	if err != nil {
		t.Fatalf("Health check failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var result health.Response
	json.NewDecoder(resp.Body).Decode(&result)

	if result.Status != health.StatusHealthy {
		t.Errorf("Expected healthy status, got %s", result.Status)
	}
}

func TestAPI_Livez(t *testing.T) {
	baseURL := getTestURL(t)

	resp, err := http.Get(baseURL + "/livez")
	if err != nil {
		t.Fatalf("Liveness check failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
}

func TestAPI_JobCompletion(t *testing.T) {
	g := NewWithT(t)
	c := newClient(t, getTestURL(t))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	j, err := c.CreateJob(ctx, client.JobOptions{
		Image:   testImage,
		Command: []string{"sh", "-c"},
		Args:    []string{"echo done"},
	})
	g.Expect(err).NotTo(HaveOccurred())
	deleteAfter(t, j)

	status, err := j.Wait(ctx)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(status.State).To(Equal(model.StateComplete))
	g.Expect(status.ExitCode).To(HaveValue(Equal(0)))

	log, err := j.Log(ctx)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(log).To(ContainSubstring("done"))
}

func TestAPI_JobFailure(t *testing.T) {
	g := NewWithT(t)
	c := newClient(t, getTestURL(t))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	j, err := c.CreateJob(ctx, client.JobOptions{
		Image:   testImage,
		Command: []string{"sh", "-c"},
		Args:    []string{"exit 3"},
	})
	g.Expect(err).NotTo(HaveOccurred())
	deleteAfter(t, j)

	status, err := j.Wait(ctx)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(status.State).To(Equal(model.StateComplete))
	g.Expect(status.ExitCode).To(HaveValue(Equal(3)))
	g.Expect(status.Succeeded()).To(BeFalse())
}

func TestAPI_CreateAndCancelJob(t *testing.T) {
	g := NewWithT(t)
	c := newClient(t, getTestURL(t))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	j, err := c.CreateJob(ctx, client.JobOptions{Image: testImage, Command: []string{"sleep", "300"}})
	g.Expect(err).NotTo(HaveOccurred())
	deleteAfter(t, j)

	// Wait for the job to be running before cancelling
	g.Eventually(func() (model.State, error) {
		s, err := j.Status(ctx)
		if err != nil {
			return "", err
		}
		return s.State, nil
	}, "60s", "1s").Should(Equal(model.StateRunning))

	g.Expect(j.Cancel(ctx)).To(Succeed())

	status, err := j.Wait(ctx)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(status.State).To(Equal(model.StateCancelled))

	id := j.ID()
	g.Expect(j.Delete(ctx)).To(Succeed())
	_, err = c.GetJob(ctx, id)
	g.Expect(errors.Is(err, client.ErrNotFound)).To(BeTrue())
}

func TestAPI_JobWithCallback(t *testing.T) {
	if os.Getenv("E2E_API_URL") != "" {
		t.Skip("callback server is only reachable from a local service")
	}
	g := NewWithT(t)

	var mu sync.Mutex
	var received []model.Job
	callbackServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var j model.Job
		json.NewDecoder(r.Body).Decode(&j)
		mu.Lock()
		received = append(received, j)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer callbackServer.Close()

	c := newClient(t, getTestURL(t))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	j, err := c.CreateJob(ctx, client.JobOptions{
		Image:    testImage,
		Command:  []string{"echo", "callback test"},
		Callback: callbackServer.URL,
	})
	g.Expect(err).NotTo(HaveOccurred())
	deleteAfter(t, j)

	// Completion is picked up by the periodic refresh without polling.
	g.Eventually(func() []model.Job {
		mu.Lock()
		defer mu.Unlock()
		return append([]model.Job(nil), received...)
	}, "60s", "500ms").Should(ConsistOf(And(
		HaveField("ID", j.ID()),
		HaveField("State", model.StateComplete),
	)))
}

func TestAPI_InvalidJobRequest(t *testing.T) {
	g := NewWithT(t)
	c := newClient(t, getTestURL(t))

	spec := model.NewJobSpec(&corev1.PodSpec{}, nil, "")
	_, err := c.SubmitSpec(context.Background(), spec, "")

	var svcErr *client.ServiceError
	g.Expect(errors.As(err, &svcErr)).To(BeTrue())
	g.Expect(svcErr.StatusCode).To(Equal(http.StatusBadRequest))
}

func TestAPI_BatchOfJobs(t *testing.T) {
	g := NewWithT(t)
	c := newClient(t, getTestURL(t))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	b, err := c.CreateBatch(ctx, map[string]string{"suite": "e2e"})
	g.Expect(err).NotTo(HaveOccurred())

	const numJobs = 3
	for range numJobs {
		j, err := b.CreateJob(ctx, client.JobOptions{Image: testImage, Command: []string{"sleep", "2"}})
		g.Expect(err).NotTo(HaveOccurred())
		deleteAfter(t, j)
	}

	status, err := b.Wait(ctx)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(status.Jobs[model.StateCreated]).To(Equal(0))
	g.Expect(status.Total()).To(Equal(numJobs))

	for _, j := range b.Jobs() {
		s, err := j.Wait(ctx)
		g.Expect(err).NotTo(HaveOccurred())
		g.Expect(s.State).To(Equal(model.StateComplete))
	}
}
