/*Package kss stores the large data files that belong to datasets outside of
the database. There are two backends: an S3 compatible object store (AWS S3 or
Ceph RGW) and a local filesystem for tests.

Files are never proxied through the server; clients up- and download through
pre-signed URLs.
*/
package kss

import "time"

// Method is the HTTP method a pre-signed URL is valid for
type Method string

const (
	// Get presigns a download
	Get Method = "GET"
	// Put presigns an upload
	Put Method = "PUT"
)

// Driver defines the interface for the KSS service
type Driver interface {
	GetPreSignedURL(method Method, key string, expireIn time.Duration) (URL string, err error)
	UploadData(key string, data []byte) error
	Delete(key string) error
	DeleteAllWithPrefix(prefix string) error
}

// DriverType represents the different types of KSS drivers
type DriverType string

// DriverTypeLocal is the local filesystem implementation of the KSS service
const DriverTypeLocal DriverType = "Local"

// DriverTypeAWSS3 is the S3 implementation of the KSS service
const DriverTypeAWSS3 DriverType = "AWSS3"

// None is used when there is no KSS implementation
const None DriverType = ""

// Configuration contains the configuration for the KSS service
type Configuration struct {
	DriverType         DriverType
	LocalConfiguration *LocalConfiguration
	S3Configuration    *S3Configuration
}

// LocalConfiguration contains the configuration for the local filesystem KSS service
type LocalConfiguration struct {
	BasePath string
}

// S3Configuration contains the configuration for the S3 KSS service
type S3Configuration struct {
	AccessID      string
	AccessKey     string
	AWSBucketName string
	AWSRegion     string
	// Endpoint overrides the AWS endpoint, e.g. for a Ceph RGW gateway.
	// Leave empty for AWS S3.
	Endpoint  string
	KeyPrefix string
}
