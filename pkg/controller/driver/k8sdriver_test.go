package driver

import (
	"context"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8sfake "k8s.io/client-go/kubernetes/fake"

	workloadv1alpha1 "github.com/mlplatform/workload-controller/pkg/apis/workload/v1alpha1"
	"github.com/mlplatform/workload-controller/version"
)

func testRetryPolicy() RetryPolicy {
	p := DefaultRetryPolicy()
	p.MaxRetries = 1
	return p
}

func TestK8sDriverCreateAndGet(t *testing.T) {
	client := k8sfake.NewSimpleClientset()
	d := NewK8sDriver("cluster-a", client, testRetryPolicy(), logr.Discard())

	dep := workloadv1alpha1.Deployment{
		Name: "api", Namespace: "default", Image: "api:v1", DesiredReplicas: 2,
	}
	require.NoError(t, d.Create(context.Background(), dep))

	got, err := d.Get(context.Background(), dep)
	require.NoError(t, err)
	assert.Equal(t, "api:v1", got.Image)
	assert.EqualValues(t, 2, got.DesiredReplicas)
}

func TestK8sDriverUpdateImageStampsBundleVersion(t *testing.T) {
	client := k8sfake.NewSimpleClientset(&appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: "api", Namespace: "default"},
	})
	d := NewK8sDriver("cluster-a", client, testRetryPolicy(), logr.Discard())

	ref := workloadv1alpha1.Deployment{Name: "api", Namespace: "default"}
	revision, err := d.UpdateImage(context.Background(), ref, "api:v2")
	require.NoError(t, err)
	assert.NotEmpty(t, revision)

	updated, err := client.AppsV1().Deployments("default").Get(context.Background(), "api", metav1.GetOptions{})
	require.NoError(t, err)
	require.Len(t, updated.Spec.Template.Spec.Containers, 1)
	assert.Equal(t, "api:v2", updated.Spec.Template.Spec.Containers[0].Image)
	assert.Equal(t, version.BundleVersion, updated.Spec.Template.Annotations[version.BundleVersionAnnotation])
}

func TestK8sDriverGetNotFoundReturnsCanonicalCode(t *testing.T) {
	client := k8sfake.NewSimpleClientset()
	d := NewK8sDriver("cluster-a", client, testRetryPolicy(), logr.Discard())

	_, err := d.Get(context.Background(), workloadv1alpha1.Deployment{Name: "missing", Namespace: "default"})
	require.Error(t, err)
}
