package supervisor

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"testing"

	"go.uber.org/zap"

	"masterd/internal/config"
	"masterd/internal/utils"
)

func TestMain(m *testing.M) {
	utils.Logger = zap.NewNop()
	os.Exit(m.Run())
}

// TestHelperWorker is not a test: the pool tests spawn this binary as the
// worker command, and this re-exec serves HTTP on $PORT like a real worker.
// It exits 0 on SIGTERM unless HELPER_IGNORE_TERM is set.
func TestHelperWorker(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		t.Skip("used as a worker subprocess")
	}
	port := os.Getenv("PORT")
	if port == "" {
		os.Exit(2)
	}
	if os.Getenv("HELPER_IGNORE_TERM") == "1" {
		signal.Ignore(syscall.SIGTERM)
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGTERM)
		go func() {
			<-ch
			os.Exit(0)
		}()
	}
	http.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "worker "+os.Getenv("MASTERD_WORKER_ID"))
	})
	if err := http.ListenAndServe("127.0.0.1:"+port, nil); err != nil {
		os.Exit(1)
	}
}

func helperCommand() string {
	return fmt.Sprintf("exec %q -test.run=TestHelperWorker$", os.Args[0])
}

func testSettings() *config.Settings {
	return &config.Settings{
		HTTPSocket:         "127.0.0.1:0",
		Command:            helperCommand(),
		Env:                []string{"GO_WANT_HELPER_PROCESS=1"},
		Processes:          4,
		CheaperStep:        1,
		BusynessMax:        50,
		BusynessMin:        25,
		BusynessMultiplier: 10,
		BacklogAlert:       16,
		WorkerReloadMercy:  2,
		BufferSize:         8192,
	}
}
