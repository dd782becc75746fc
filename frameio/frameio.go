/*Package frameio persists detector frames as FITS files.

The Recorder lays out one folder per UTC day, one subfolder per camera, with
raw/, intermediate/ and reduced/ below it.  Raw and intermediate files carry
an incrementing frame index in the name; the final reduced product for an
exposure overwrites a single file per camera.

Every raw buffer is checksummed (CRC-16/CCITT) before it is written and the
checksum is recorded in the FITS header, so corrupted transfers from the
readout electronics can be identified offline.
*/
package frameio

import (
	"fmt"
	"os"
	"path"
	"time"

	"github.com/astrogo/fitsio"
	"github.com/snksoft/crc"

	"github.com/nasa-jpl/asdetector/reduce"
)

// Recorder writes frame products under Root.  It is not thread safe; the
// sequencer writes frames in acquisition order from a single goroutine.
type Recorder struct {
	// Root is the root data path
	Root string

	// Prefix is the instrument prefix for the filenames
	Prefix string
}

// dir ensures the folder for one camera/kind pair exists and returns it.
func (r *Recorder) dir(cam, kind string) (string, error) {
	now := time.Now().UTC()
	fldr := path.Join(r.Root, fmt.Sprintf("%04d-%02d-%02d", now.Year(), now.Month(), now.Day()), cam, kind)
	err := os.MkdirAll(fldr, 0777)
	return fldr, err
}

// WriteRaw persists a raw frame and returns its path.
func (r *Recorder) WriteRaw(cam string, f *reduce.RawFrame, cards []fitsio.Card) (string, error) {
	kind := "raw"
	if f.Reset {
		kind = "reset"
	}
	fldr, err := r.dir(cam, kind)
	if err != nil {
		return "", err
	}
	fn := path.Join(fldr, fmt.Sprintf("%s.%s.%04d.fits", r.Prefix, cam, f.Index))
	cards = append(cards,
		fitsio.Card{Name: "ISRESET", Value: f.Reset, Comment: "reset frame, excluded from reduction"},
		fitsio.Card{Name: "FRAME", Value: f.Index, Comment: "sample index within exposure"},
		fitsio.Card{Name: "DATE-OBS", Value: f.Timestamp.UTC().Format(time.RFC3339Nano)},
		fitsio.Card{Name: "CHECKSUM", Value: fmt.Sprintf("%04X", Checksum(f.Data)), Comment: "CRC-16/CCITT of raw samples"},
	)
	return fn, writeFITS(fn, f.Data, f.Width, f.Height, cards)
}

// WriteReduced persists a reduced frame and returns its path.  Intermediate
// products get one file per tick; the final product is a single file.
func (r *Recorder) WriteReduced(cam string, f *reduce.ReducedFrame, cards []fitsio.Card) (string, error) {
	kind := "intermediate"
	if f.Final {
		kind = "reduced"
	}
	fldr, err := r.dir(cam, kind)
	if err != nil {
		return "", err
	}
	var fn string
	if f.Final {
		fn = path.Join(fldr, fmt.Sprintf("%s.%s.reduced.fits", r.Prefix, cam))
	} else {
		fn = path.Join(fldr, fmt.Sprintf("%s.%s.res.%04d.fits", r.Prefix, cam, f.Last))
	}
	cards = append(cards,
		fitsio.Card{Name: "REDXMODE", Value: f.Mode.String(), Comment: "frame reduction mode"},
		fitsio.Card{Name: "WINFIRST", Value: f.First, Comment: "first sample index in reduction window"},
		fitsio.Card{Name: "WINLAST", Value: f.Last, Comment: "last sample index in reduction window"},
	)
	return fn, writeFITS(fn, f.Data, f.Width, f.Height, cards)
}

// writeFITS streams a 16-bit image to path.  Data is written as int16 with
// BZERO 32768, the FITS convention for unsigned detectors.
func writeFITS(fn string, data []uint16, width, height int, cards []fitsio.Card) error {
	fid, err := os.Create(fn)
	if err != nil {
		return err
	}
	defer fid.Close()

	cards = append(cards, fitsio.Card{Name: "BZERO", Value: 32768}, fitsio.Card{Name: "BSCALE", Value: 1.0})
	fits, err := fitsio.Create(fid)
	if err != nil {
		return err
	}
	defer fits.Close()
	im := fitsio.NewImage(16, []int{width, height})
	defer im.Close()
	if err := im.Header().Append(cards...); err != nil {
		return err
	}
	ints := make([]int16, len(data))
	for i, v := range data {
		ints[i] = int16(int32(v) - 32768)
	}
	if err := im.Write(ints); err != nil {
		return err
	}
	return fits.Write(im)
}

// Checksum computes the CRC-16/CCITT of a sample buffer.
func Checksum(data []uint16) uint64 {
	buf := make([]byte, 2*len(data))
	for i, v := range data {
		buf[2*i] = byte(v)
		buf[2*i+1] = byte(v >> 8)
	}
	return crc.CalculateCRC(crc.CCITT, buf)
}
