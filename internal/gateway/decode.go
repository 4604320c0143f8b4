package gateway

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/url"
	"strings"

	"github.com/watzon/fngate/internal/apierror"
	"github.com/watzon/fngate/internal/params"
	"github.com/watzon/fngate/internal/value"
)

// BodyDecoder turns a request body into a parameter value. stringTyped
// reports whether the decoded leaves are raw strings that validation should
// coerce.
type BodyDecoder interface {
	Decode(body []byte, mediaParams map[string]string) (v value.Value, stringTyped bool, err error)
}

// DecoderFunc adapts a function to BodyDecoder.
type DecoderFunc func(body []byte, mediaParams map[string]string) (value.Value, bool, error)

// Decode calls f.
func (f DecoderFunc) Decode(body []byte, mediaParams map[string]string) (value.Value, bool, error) {
	return f(body, mediaParams)
}

// DefaultDecoders returns the built-in decoders keyed by media type.
func DefaultDecoders() map[string]BodyDecoder {
	return map[string]BodyDecoder{
		"application/json":                  DecoderFunc(decodeJSON),
		"application/x-www-form-urlencoded": DecoderFunc(decodeForm),
		"multipart/form-data":               DecoderFunc(decodeMultipart),
		"application/xml":                   DecoderFunc(decodeXML),
		"text/xml":                          DecoderFunc(decodeXML),
	}
}

func (d *Dispatcher) decodeBody(contentType string, body []byte) (value.Value, bool, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return value.Null(), false, nil
	}
	if contentType == "" {
		contentType = "application/json"
	}
	mediaType, mediaParams, err := mime.ParseMediaType(contentType)
	if err != nil {
		return value.Value{}, false, apierror.Newf(apierror.KindParameterParse, "Invalid Content-Type header %q", contentType)
	}
	dec, ok := d.decoders[mediaType]
	if !ok && strings.HasSuffix(mediaType, "+json") {
		dec, ok = d.decoders["application/json"]
	}
	if !ok && strings.HasSuffix(mediaType, "+xml") {
		dec, ok = d.decoders["application/xml"]
	}
	if !ok {
		return value.Value{}, false, apierror.Newf(apierror.KindParameterParse, "Unsupported Content-Type %q", mediaType).
			WithDetails(map[string]any{"content_type": mediaType})
	}
	return dec.Decode(body, mediaParams)
}

func decodeJSON(body []byte, _ map[string]string) (value.Value, bool, error) {
	v, err := value.ParseJSON(body)
	if err != nil {
		return value.Value{}, false, apierror.Newf(apierror.KindParameterParse, "Invalid JSON body: %v", err)
	}
	return v, false, nil
}

func decodeForm(body []byte, _ map[string]string) (value.Value, bool, error) {
	obj, err := params.ParseQuery(string(body))
	if err != nil {
		return value.Value{}, false, err
	}
	return value.FromObject(obj), true, nil
}

// decodeMultipart reads text fields with the query-string key grammar and
// turns file parts into buffers carrying the part's content type.
func decodeMultipart(body []byte, mediaParams map[string]string) (value.Value, bool, error) {
	boundary := mediaParams["boundary"]
	if boundary == "" {
		return value.Value{}, false, apierror.New(apierror.KindParameterParse, "multipart body has no boundary")
	}

	var fields []string
	files := value.NewObject()
	mr := multipart.NewReader(bytes.NewReader(body), boundary)
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return value.Value{}, false, apierror.Newf(apierror.KindParameterParse, "Invalid multipart body: %v", err)
		}
		name := part.FormName()
		data, err := io.ReadAll(part)
		_ = part.Close()
		if err != nil {
			return value.Value{}, false, apierror.Newf(apierror.KindParameterParse, "Invalid multipart body: %v", err)
		}
		if name == "" {
			continue
		}
		if part.FileName() != "" {
			if files.Has(name) {
				return value.Value{}, false, apierror.Newf(apierror.KindParameterParse, "file field %q is sent more than once", name)
			}
			files.Set(name, value.Buffer(data, part.Header.Get("Content-Type")))
			continue
		}
		fields = append(fields, url.QueryEscape(name)+"="+url.QueryEscape(string(data)))
	}

	obj, err := params.ParseQuery(strings.Join(fields, "&"))
	if err != nil {
		return value.Value{}, false, err
	}
	for _, name := range files.Keys() {
		if obj.Has(name) {
			return value.Value{}, false, apierror.Newf(apierror.KindParameterParse, "%q is sent as both a file and a field", name)
		}
		f, _ := files.Get(name)
		obj.Set(name, f)
	}
	return value.FromObject(obj), true, nil
}

var errNoHandler = errors.New("function has no handler")

func noHandler(name string) *apierror.Error {
	return apierror.Wrap(apierror.KindFatal, fmt.Errorf("%s: %w", name, errNoHandler))
}
