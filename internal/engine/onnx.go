package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/medscanhq/segpipe/pkg/models"
	ort "github.com/yalue/onnxruntime_go"
)

var (
	ortInitOnce sync.Once
	ortInitErr  error
)

func initOnnxEnvironment(libraryPath string) error {
	ortInitOnce.Do(func() {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		ortInitErr = ort.InitializeEnvironment()
	})
	return ortInitErr
}

// OnnxRuntime opens ONNX Runtime sessions from model files on disk.
type OnnxRuntime struct {
	modelsPath  string
	libraryPath string
}

// NewOnnxRuntime creates a runtime rooted at modelsPath. libraryPath
// optionally points at the onnxruntime shared library; empty uses the
// platform default lookup.
func NewOnnxRuntime(modelsPath, libraryPath string) *OnnxRuntime {
	return &OnnxRuntime{modelsPath: modelsPath, libraryPath: libraryPath}
}

func (r *OnnxRuntime) Open(desc *models.ModelDescriptor, provider Provider) (Session, error) {
	if err := initOnnxEnvironment(r.libraryPath); err != nil {
		return nil, fmt.Errorf("initialize onnxruntime: %w", err)
	}

	path := filepath.Join(r.modelsPath, desc.OnnxPath)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("model file %s: %w", path, err)
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("session options: %w", err)
	}
	defer opts.Destroy()

	if provider.Kind == ProviderGPU {
		cudaOpts, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return nil, fmt.Errorf("cuda provider options: %w", err)
		}
		defer cudaOpts.Destroy()
		if err := cudaOpts.Update(map[string]string{"device_id": "0"}); err != nil {
			return nil, fmt.Errorf("cuda provider options: %w", err)
		}
		if err := opts.AppendExecutionProviderCUDA(cudaOpts); err != nil {
			return nil, fmt.Errorf("append cuda provider: %w", err)
		}
	}

	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, fmt.Errorf("inspect model %s: %w", desc.Name, err)
	}
	if len(inputs) != 1 || len(outputs) != 1 {
		return nil, fmt.Errorf("model %s: expected single input and output, got %d/%d",
			desc.Name, len(inputs), len(outputs))
	}

	sess, err := ort.NewDynamicAdvancedSession(path,
		[]string{inputs[0].Name}, []string{outputs[0].Name}, opts)
	if err != nil {
		return nil, fmt.Errorf("open session for %s on %s: %w", desc.Name, provider.Kind, err)
	}

	return &onnxSession{
		session: sess,
		patch:   desc.PatchSize,
	}, nil
}

type onnxSession struct {
	session *ort.DynamicAdvancedSession
	patch   [3]int
}

func (s *onnxSession) Run(patch []float32) ([]float32, error) {
	shape := ort.NewShape(1, 1, int64(s.patch[0]), int64(s.patch[1]), int64(s.patch[2]))
	input, err := ort.NewTensor(shape, patch)
	if err != nil {
		return nil, fmt.Errorf("build input tensor: %w", err)
	}
	defer input.Destroy()

	outputs := []ort.Value{nil}
	if err := s.session.Run([]ort.Value{input}, outputs); err != nil {
		return nil, fmt.Errorf("run inference: %w", err)
	}
	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		outputs[0].Destroy()
		return nil, fmt.Errorf("model returned non-float32 output")
	}
	defer out.Destroy()

	data := out.GetData()
	logits := make([]float32, len(data))
	copy(logits, data)
	return logits, nil
}

func (s *onnxSession) Close() error {
	return s.session.Destroy()
}
