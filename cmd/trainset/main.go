package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/akamensky/argparse"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/teachable/pkg/classify"
	"github.com/cyclopcam/teachable/pkg/features"
	"github.com/cyclopcam/teachable/pkg/labelset"
	"github.com/cyclopcam/teachable/pkg/nn"
	"github.com/cyclopcam/teachable/pkg/nnload"
	"github.com/cyclopcam/teachable/pkg/tensor"
	"github.com/cyclopcam/teachable/server/train"
)

func check(err error) {
	if err != nil {
		panic(err)
	}
}

func printJSON(v any) {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	check(encoder.Encode(v))
}

func main() {
	parser := argparse.NewParser("trainset", "Inspect, export and evaluate labeledImages.json files")

	infoCmd := parser.NewCommand("info", "Summarize the groups of a set")
	infoInput := infoCmd.String("i", "input", &argparse.Options{Help: "labeledImages.json file", Required: true})

	exportCmd := parser.NewCommand("export", "Write a set as a zip of JPEG class folders")
	exportInput := exportCmd.String("i", "input", &argparse.Options{Help: "labeledImages.json file", Required: true})
	exportOutput := exportCmd.String("o", "output", &argparse.Options{Help: "Output zip file", Required: true})
	exportPolicy := exportCmd.String("", "duplicates", &argparse.Options{Help: "Duplicate label policy (merge or reject)", Default: "merge"})

	predictCmd := parser.NewCommand("predict", "Train on a set, and classify one image")
	predictInput := predictCmd.String("i", "input", &argparse.Options{Help: "labeledImages.json file", Required: true})
	predictImage := predictCmd.String("", "image", &argparse.Options{Help: "JPEG or PNG image to classify", Required: true})
	predictModelDir := predictCmd.String("", "modeldir", &argparse.Options{Help: "Directory of feature extractor models", Default: ""})
	predictModel := predictCmd.String("m", "model", &argparse.Options{Help: "Feature extractor name. Empty selects the built-in extractor.", Default: ""})
	predictMode := predictCmd.String("", "mode", &argparse.Options{Help: "Classifier mode (knn or finetune)", Default: "knn"})
	predictEpochs := predictCmd.Int("", "epochs", &argparse.Options{Help: "Fine-tuning epochs", Default: classify.DefaultFitParams().Epochs})
	predictSize := predictCmd.Int("", "size", &argparse.Options{Help: "Resize the image to this width and height before prediction", Default: 224})

	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	check(err)
	arena := tensor.NewArena()

	switch {
	case infoCmd.Happened():
		set, err := labelset.LoadFile(logger, arena, *infoInput)
		check(err)
		defer set.Release()
		printJSON(set.Info())
	case exportCmd.Happened():
		policy, err := labelset.ParseDuplicatePolicy(*exportPolicy)
		check(err)
		set, err := labelset.LoadFile(logger, arena, *exportInput)
		check(err)
		defer set.Release()
		out, err := os.Create(*exportOutput)
		check(err)
		check(train.ExportDataset(out, set, policy))
		check(out.Close())
		logger.Infof("Wrote %v images to %v", set.NumImages(), *exportOutput)
	case predictCmd.Happened():
		mode, err := classify.ParseMode(*predictMode)
		check(err)
		set, err := labelset.LoadFile(logger, arena, *predictInput)
		check(err)
		defer set.Release()

		load := func() (nn.FeatureExtractor, error) {
			return nnload.LoadExtractor(logger, arena, nnload.Options{
				ModelDir:      *predictModelDir,
				ModelName:     *predictModel,
				ThreadingMode: nn.ThreadingModeParallel,
			})
		}
		opt := train.DefaultOptions()
		opt.Mode = mode
		orchestrator := train.NewOrchestrator(logger, arena, load, opt)
		defer orchestrator.Close()

		ctx := context.Background()
		check(orchestrator.Load(ctx))
		params := train.DefaultTrainParams()
		params.Epochs = *predictEpochs
		params.OnEpoch = func(e classify.EpochLog) {
			fmt.Printf("Epoch %v: loss %.4f\n", e.Epoch, e.Loss)
		}
		_, err = orchestrator.Train(ctx, set, params)
		check(err)

		raw, err := os.ReadFile(*predictImage)
		check(err)
		img, err := features.CaptureFrame(arena, raw, *predictSize, *predictSize)
		check(err)
		defer img.Release()
		result, err := orchestrator.Predict(ctx, img)
		check(err)
		printJSON(result.Prediction)
	}
}
