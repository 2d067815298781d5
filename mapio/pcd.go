// Package mapio implements the "save map" and "save estimation result"
// services: writing the accumulated key-pose trajectory, per-key
// transformations, and corner/surface/global point clouds to PCD files,
// plus the per-scan object-state stream to a JSON file. No PCL binding
// exists for Go, so the PCD binary format is reproduced here directly: a
// short ASCII header followed by a flat little-endian float32 payload,
// which is all pcl::io::savePCDFileBinary actually writes for an
// unorganized XYZI cloud.
package mapio

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"github.com/pkg/errors"
)

// Point is one XYZI point: the fourth channel carries the key-pose index
// for trajectory/map clouds, or a detection score for object clouds.
type Point struct {
	X, Y, Z, Intensity float32
}

// pcdHeader returns the ASCII header for an unorganized binary XYZI cloud
// of n points.
func pcdHeader(n int) string {
	return fmt.Sprintf(`# .PCD v0.7 - Point Cloud Data file format
VERSION 0.7
FIELDS x y z intensity
SIZE 4 4 4 4
TYPE F F F F
COUNT 1 1 1 1
WIDTH %d
HEIGHT 1
VIEWPOINT 0 0 0 1 0 0 0
POINTS %d
DATA binary
`, n, n)
}

// WritePCD writes points to path in PCD v0.7 binary format.
func WritePCD(path string, points []Point) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "mapio: create %s", path)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if _, err := w.WriteString(pcdHeader(len(points))); err != nil {
		return errors.Wrapf(err, "mapio: write header %s", path)
	}
	buf := make([]byte, 16)
	for _, p := range points {
		binary.LittleEndian.PutUint32(buf[0:4], math.Float32bits(p.X))
		binary.LittleEndian.PutUint32(buf[4:8], math.Float32bits(p.Y))
		binary.LittleEndian.PutUint32(buf[8:12], math.Float32bits(p.Z))
		binary.LittleEndian.PutUint32(buf[12:16], math.Float32bits(p.Intensity))
		if _, err := w.Write(buf); err != nil {
			return errors.Wrapf(err, "mapio: write points %s", path)
		}
	}
	return errors.Wrap(w.Flush(), "mapio: flush "+path)
}
