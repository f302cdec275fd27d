package api

import (
	"batch/pkg/backoff"
	"batch/pkg/client"
	"batch/pkg/model"
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	. "github.com/onsi/gomega"
)

// newClient returns a client for s that polls in millisecond steps.
func newClient(t *testing.T, s *testServer, token string) *client.Client {
	t.Helper()
	c, err := client.New(client.Config{URL: s.URL, Token: token, Timeout: 5 * time.Second},
		client.WithPollOptions(backoff.WithUnit(time.Millisecond)))
	if err != nil {
		t.Fatalf("client.New failed: %v", err)
	}
	return c
}

// finish completes a job once it has reached the executor.
func finish(g *WithT, s *testServer, id string, exitCode int) {
	g.Eventually(func() error {
		return s.exec.Finish(id, exitCode)
	}, "2s", "10ms").Should(Succeed())
}

func TestClient_WaitForJob(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)
	s := newTestServer(t)
	c := newClient(t, s, testAPIKey)
	ctx := context.Background()

	j, err := c.CreateJob(ctx, client.JobOptions{
		Image:      "alpine",
		Command:    []string{"sh", "-c"},
		Args:       []string{"exit 0"},
		Attributes: map[string]string{"run": "a"},
	})
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(j.ID()).NotTo(BeEmpty())
	g.Expect(j.Attributes()).To(HaveKeyWithValue("run", "a"))

	finish(g, s, j.ID(), 0)

	status, err := j.Wait(ctx)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(status.State).To(Equal(model.StateComplete))
	g.Expect(status.Succeeded()).To(BeTrue())

	done, err := j.IsComplete()
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(done).To(BeTrue())

	log, err := j.Log(ctx)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(log).To(ContainSubstring("$ sh -c exit 0"))
	g.Expect(log).To(ContainSubstring("exit code 0"))
}

func TestClient_FailedJob(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)
	s := newTestServer(t)
	c := newClient(t, s, testAPIKey)
	ctx := context.Background()

	j, err := c.CreateJob(ctx, client.JobOptions{Image: "alpine"})
	g.Expect(err).NotTo(HaveOccurred())

	finish(g, s, j.ID(), 3)

	status, err := j.Wait(ctx)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(status.State).To(Equal(model.StateComplete))
	g.Expect(status.ExitCode).To(HaveValue(Equal(3)))
	g.Expect(status.Succeeded()).To(BeFalse())
}

func TestClient_WaitDeadline(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)
	s := newTestServer(t)
	c := newClient(t, s, testAPIKey)

	j, err := c.CreateJob(context.Background(), client.JobOptions{Image: "alpine"})
	g.Expect(err).NotTo(HaveOccurred())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = j.Wait(ctx)
	g.Expect(errors.Is(err, context.DeadlineExceeded)).To(BeTrue(), "got %v", err)

	// The job keeps running; the last observed status stays cached.
	status, err := j.CachedStatus()
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(status.State.Terminal()).To(BeFalse())
}

func TestClient_CancelJob(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)
	s := newTestServer(t)
	c := newClient(t, s, testAPIKey)
	ctx := context.Background()

	j, err := c.CreateJob(ctx, client.JobOptions{Image: "alpine"})
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(j.Cancel(ctx)).To(Succeed())

	status, err := j.Wait(ctx)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(status.State).To(Equal(model.StateCancelled))
}

func TestClient_WaitForBatch(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)
	s := newTestServer(t)
	c := newClient(t, s, testAPIKey)
	ctx := context.Background()

	b, err := c.CreateBatch(ctx, map[string]string{"experiment": "c"})
	g.Expect(err).NotTo(HaveOccurred())

	for range 3 {
		_, err := b.CreateJob(ctx, client.JobOptions{Image: "alpine"})
		g.Expect(err).NotTo(HaveOccurred())
	}
	g.Expect(b.Jobs()).To(HaveLen(3))

	status, err := b.Wait(ctx)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(status.Jobs[model.StateCreated]).To(Equal(0))
	g.Expect(status.Total()).To(Equal(3))

	jobs, err := c.ListJobs(ctx, client.ListOptions{BatchID: b.ID()})
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(jobs).To(HaveLen(3))
	for _, j := range jobs {
		cached, err := j.CachedStatus()
		g.Expect(err).NotTo(HaveOccurred())
		g.Expect(cached.BatchID).To(Equal(b.ID()))
	}

	again, err := c.GetBatch(ctx, b.ID())
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(again.Attributes()).To(HaveKeyWithValue("experiment", "c"))
}

func TestClient_Errors(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)
	s := newTestServer(t)
	ctx := context.Background()

	_, err := newClient(t, s, testAPIKey).GetJob(ctx, "missing")
	g.Expect(errors.Is(err, client.ErrNotFound)).To(BeTrue())
	g.Expect(errors.Is(err, client.ErrService)).To(BeTrue())
	var svcErr *client.ServiceError
	g.Expect(errors.As(err, &svcErr)).To(BeTrue())
	g.Expect(svcErr.Message).To(Equal("job missing not found"))

	_, err = newClient(t, s, "wrong").ListJobs(ctx, client.ListOptions{})
	g.Expect(errors.As(err, &svcErr)).To(BeTrue())
	g.Expect(svcErr.StatusCode).To(Equal(http.StatusUnauthorized))
	g.Expect(errors.Is(err, client.ErrNotFound)).To(BeFalse())

	_, err = newClient(t, s, testAPIKey).ListJobs(ctx, client.ListOptions{State: "Sleeping"})
	g.Expect(errors.Is(err, model.ErrUnknownState)).To(BeTrue())
}

func TestClient_DeleteInvalidatesHandle(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)
	s := newTestServer(t)
	c := newClient(t, s, testAPIKey)
	ctx := context.Background()

	j, err := c.CreateJob(ctx, client.JobOptions{Image: "alpine"})
	g.Expect(err).NotTo(HaveOccurred())
	id := j.ID()

	g.Expect(j.Delete(ctx)).To(Succeed())
	g.Expect(j.ID()).To(BeEmpty())

	_, err = j.Status(ctx)
	g.Expect(errors.Is(err, client.ErrPrecondition)).To(BeTrue())
	g.Expect(errors.Is(j.Delete(ctx), client.ErrPrecondition)).To(BeTrue())

	_, err = c.GetJob(ctx, id)
	g.Expect(errors.Is(err, client.ErrNotFound)).To(BeTrue())
}

func TestClient_RefreshK8sState(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)
	s := newTestServer(t)
	c := newClient(t, s, testAPIKey)
	ctx := context.Background()

	j, err := c.CreateJob(ctx, client.JobOptions{Image: "alpine"})
	g.Expect(err).NotTo(HaveOccurred())
	finish(g, s, j.ID(), 0)

	g.Eventually(func() ([]*client.Job, error) {
		if err := c.RefreshK8sState(ctx); err != nil {
			return nil, err
		}
		return c.ListJobs(ctx, client.ListOptions{State: "Complete"})
	}, "2s", "10ms").Should(HaveLen(1))
}
