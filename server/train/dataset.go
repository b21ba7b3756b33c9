package train

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/cyclopcam/teachable/pkg/features"
	"github.com/cyclopcam/teachable/pkg/labelset"
)

const DatasetJPEGQuality = 90

type DatasetClass struct {
	Index  int    `json:"index"`
	Label  string `json:"label"`
	Folder string `json:"folder"`
	Images int    `json:"images"`
}

// Extracts the label set as a single archive file.
// The archive holds the serialized set, a class list, and every decoded image as a JPEG.
func ExportDataset(w io.Writer, set *labelset.Set, policy labelset.DuplicatePolicy) error {
	classes, err := set.Classes(policy)
	if err != nil {
		return err
	}
	raw, err := labelset.Marshal(set)
	if err != nil {
		return err
	}

	zipWriter := zip.NewWriter(w)
	if err := writeDataset(zipWriter, raw, classes); err != nil {
		zipWriter.Close()
		return err
	}
	// Close writes the central directory, so its error is the final word on the archive
	return zipWriter.Close()
}

func writeDataset(zipWriter *zip.Writer, raw []byte, classes []labelset.Class) error {
	setZ, err := zipWriter.Create(labelset.DefaultFilename)
	if err != nil {
		return err
	}
	if _, err := setZ.Write(raw); err != nil {
		return err
	}

	classList := []DatasetClass{}
	for i, class := range classes {
		folder := datasetFolder(i, class.Label)
		classList = append(classList, DatasetClass{
			Index:  i,
			Label:  class.Label,
			Folder: folder,
			Images: len(class.Images),
		})
		for _, img := range class.Images {
			t := img.Tensor()
			if t == nil {
				// Never decoded, so we have no pixels to write
				continue
			}
			jpg, err := features.EncodeJPEG(t, DatasetJPEGQuality)
			if err != nil {
				return fmt.Errorf("Image %v: %w", img.UID, err)
			}
			imgZ, err := zipWriter.Create(fmt.Sprintf("%v/%v.jpg", folder, img.UID))
			if err != nil {
				return err
			}
			if _, err := imgZ.Write(jpg); err != nil {
				return err
			}
		}
	}

	classesZ, err := zipWriter.Create("classes.json")
	if err != nil {
		return err
	}
	return json.NewEncoder(classesZ).Encode(classList)
}

// datasetFolder turns a label into a safe archive directory name.
// Labels may be empty or contain slashes, so we fall back to the class index.
func datasetFolder(index int, label string) string {
	clean := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '_'
		}
		return r
	}, strings.TrimSpace(label))
	if clean == "" || clean == "." || clean == ".." {
		return fmt.Sprintf("class-%v", index)
	}
	return clean
}
