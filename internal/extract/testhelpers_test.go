package extract

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sells-group/statement-analyzer/pkg/textract"
)

// minimalPDF builds a valid PDF with n blank pages and a correct xref table.
func minimalPDF(n int) []byte {
	var buf bytes.Buffer
	offsets := []int{}
	writeObj := func(body string) {
		offsets = append(offsets, buf.Len())
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", len(offsets), body)
	}

	buf.WriteString("%PDF-1.4\n")
	writeObj("<< /Type /Catalog /Pages 2 0 R >>")

	kids := ""
	for i := 0; i < n; i++ {
		kids += fmt.Sprintf("%d 0 R ", 3+i)
	}
	writeObj(fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", kids, n))
	for i := 0; i < n; i++ {
		writeObj("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 595 842] /Resources << >> >>")
	}

	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(offsets)+1)
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(offsets)+1, xref)
	return buf.Bytes()
}

type fakeStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
	failOn  func(key string) bool
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{objects: map[string][]byte{}}
}

func (s *fakeStorage) Put(_ context.Context, key string, data []byte, _ string) error {
	if s.failOn != nil && s.failOn(key) {
		return fmt.Errorf("put %s: connection reset", key)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = data
	return nil
}

func (s *fakeStorage) Bucket() string { return "statements" }

func (s *fakeStorage) keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.objects))
	for k := range s.objects {
		out = append(out, k)
	}
	return out
}

type fakeTextract struct {
	mu       sync.Mutex
	startFn  func(textract.StartRequest) (string, error)
	statuses []*textract.Analysis
	gets     int
	starts   []textract.StartRequest
}

func (f *fakeTextract) StartAnalysis(_ context.Context, req textract.StartRequest) (string, error) {
	f.mu.Lock()
	f.starts = append(f.starts, req)
	f.mu.Unlock()
	if f.startFn != nil {
		return f.startFn(req)
	}
	return "job-1", nil
}

func (f *fakeTextract) GetAnalysis(_ context.Context, jobID string) (*textract.Analysis, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.gets
	if i >= len(f.statuses) {
		i = len(f.statuses) - 1
	}
	f.gets++
	a := *f.statuses[i]
	a.JobID = jobID
	return &a, nil
}

// stepClock advances virtual time on every wait.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}
